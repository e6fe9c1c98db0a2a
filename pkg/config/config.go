// Package config provides the configuration model for Quasar.
//
// A single Config structure describes the whole process and is organized
// into sections:
//   - Logging: zap logger settings
//   - Reader: batch memory budget, prefetch and text format defaults
//   - Extensions: limits applied to file-located operators
//   - Storage: the structured SQL backend and the media blob backend
//   - Catalog: where table descriptors come from
//   - Observability: tracing exporter and metrics endpoint
//
// Configuration files are YAML. ${VAR} and ${VAR:-default} references are
// substituted from the environment before parsing.
//
//	cfg, err := config.LoadFile("quasar.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/observability"
)

// Config is the root configuration
type Config struct {
	// Name identifies the deployment in logs and traces
	Name string `yaml:"name" json:"name"`

	Logging       logger.Config       `yaml:"logging" json:"logging"`
	Reader        ReaderConfig        `yaml:"reader" json:"reader"`
	Extensions    ExtensionsConfig    `yaml:"extensions" json:"extensions"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Catalog       CatalogConfig       `yaml:"catalog" json:"catalog"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ReaderConfig controls batch production
type ReaderConfig struct {
	// BudgetBytes is the per-batch memory budget
	BudgetBytes int64 `yaml:"budget_bytes" json:"budget_bytes"`
	// AutoBudget derives the budget from available memory instead
	AutoBudget bool `yaml:"auto_budget" json:"auto_budget"`
	// AutoBudgetFraction is the share of available memory used by AutoBudget
	AutoBudgetFraction float64 `yaml:"auto_budget_fraction" json:"auto_budget_fraction"`
	// Prefetch reads one batch ahead in the background
	Prefetch bool `yaml:"prefetch" json:"prefetch"`
	// Delimiter for delimited text; empty means inferred from the extension
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// NullToken is the cell text read as null in addition to the empty cell
	NullToken string `yaml:"null_token" json:"null_token"`
	// SampleEvery keeps one media frame out of n
	SampleEvery int `yaml:"sample_every" json:"sample_every"`
	// DatasetsDir receives resources streamed in from stdin before they
	// are read
	DatasetsDir string `yaml:"datasets_dir" json:"datasets_dir"`
}

// ExtensionsConfig bounds evaluation of file-located operators
type ExtensionsConfig struct {
	// MaxSteps caps interpreter steps per evaluation; zero means unlimited
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`
	// Timeout caps wall time per evaluation
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// CacheEnabled keeps resolved definitions until their source changes
	CacheEnabled bool `yaml:"cache_enabled" json:"cache_enabled"`
	// AllowGPU reports GPU availability to operators that require one
	AllowGPU bool `yaml:"allow_gpu" json:"allow_gpu"`
}

// StorageConfig selects and configures the backends
type StorageConfig struct {
	Structured StructuredConfig `yaml:"structured" json:"structured"`
	Media      MediaConfig      `yaml:"media" json:"media"`
}

// StructuredConfig configures the SQL backend
type StructuredConfig struct {
	// Driver is one of sqlite, duckdb, postgres, mysql
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	// MaxOpenConns limits the connection pool; zero keeps the driver default
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
}

// MediaConfig configures the segment backend
type MediaConfig struct {
	Blob BlobConfig `yaml:"blob" json:"blob"`
	// Compression is the segment compression algorithm
	Compression      string `yaml:"compression" json:"compression"`
	CompressionLevel int    `yaml:"compression_level" json:"compression_level"`
}

// BlobConfig selects an object store
type BlobConfig struct {
	// Type is one of local, s3, gcs, azure
	Type   string `yaml:"type" json:"type"`
	Path   string `yaml:"path" json:"path"`
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`

	// S3
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`

	// GCS
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`

	// Azure
	AccountName string `yaml:"account_name" json:"account_name"`
	AccountKey  string `yaml:"account_key" json:"account_key"`
	ServiceURL  string `yaml:"service_url" json:"service_url"`
}

// CatalogConfig locates table descriptors
type CatalogConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ObservabilityConfig contains tracing and metrics settings
type ObservabilityConfig struct {
	Tracing observability.TracingConfig `yaml:"tracing" json:"tracing"`
	// MetricsAddr exposes /metrics when set, e.g. ":9464"
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// DefaultBudgetBytes matches the default reader budget of 30 MB
const DefaultBudgetBytes = 30_000_000

// New returns a configuration with defaults that work for a local setup
func New() *Config {
	return &Config{
		Name: "quasar",
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Reader: ReaderConfig{
			BudgetBytes:        DefaultBudgetBytes,
			AutoBudgetFraction: 0.1,
			SampleEvery:        1,
			DatasetsDir:        filepath.Join(os.TempDir(), "quasar", "datasets"),
		},
		Extensions: ExtensionsConfig{
			MaxSteps:     10_000_000,
			Timeout:      30 * time.Second,
			CacheEnabled: true,
		},
		Storage: StorageConfig{
			Structured: StructuredConfig{
				Driver: "sqlite",
				DSN:    "quasar.db",
			},
			Media: MediaConfig{
				Blob: BlobConfig{
					Type: "local",
					Path: "media",
				},
				Compression: "zstd",
			},
		},
		Observability: ObservabilityConfig{
			Tracing: observability.TracingConfig{
				ServiceName: "quasar",
				Exporter:    "none",
			},
		},
	}
}

var (
	structuredDrivers = map[string]bool{"sqlite": true, "duckdb": true, "postgres": true, "mysql": true}
	blobTypes         = map[string]bool{"local": true, "s3": true, "gcs": true, "azure": true}
)

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Reader.BudgetBytes <= 0 && !c.Reader.AutoBudget {
		return fmt.Errorf("reader.budget_bytes must be positive")
	}
	if c.Reader.AutoBudget && (c.Reader.AutoBudgetFraction <= 0 || c.Reader.AutoBudgetFraction > 1) {
		return fmt.Errorf("reader.auto_budget_fraction must be in (0, 1]")
	}
	if c.Reader.SampleEvery < 0 {
		return fmt.Errorf("reader.sample_every cannot be negative")
	}
	if len([]rune(c.Reader.Delimiter)) > 1 {
		return fmt.Errorf("reader.delimiter must be a single character")
	}
	if c.Extensions.Timeout < 0 {
		return fmt.Errorf("extensions.timeout cannot be negative")
	}
	if !structuredDrivers[c.Storage.Structured.Driver] {
		return fmt.Errorf("storage.structured.driver %q is not one of sqlite, duckdb, postgres, mysql", c.Storage.Structured.Driver)
	}
	if c.Storage.Structured.DSN == "" {
		return fmt.Errorf("storage.structured.dsn is required")
	}
	return c.Storage.Media.Blob.Validate()
}

// Validate checks that the fields required by the store type are present
func (b *BlobConfig) Validate() error {
	if !blobTypes[b.Type] {
		return fmt.Errorf("storage.media.blob.type %q is not one of local, s3, gcs, azure", b.Type)
	}
	switch b.Type {
	case "local":
		if b.Path == "" {
			return fmt.Errorf("storage.media.blob.path is required for local storage")
		}
	case "s3", "gcs":
		if b.Bucket == "" {
			return fmt.Errorf("storage.media.blob.bucket is required for %s storage", b.Type)
		}
	case "azure":
		if b.Bucket == "" {
			return fmt.Errorf("storage.media.blob.bucket (container) is required for azure storage")
		}
		if b.AccountName == "" || b.AccountKey == "" {
			return fmt.Errorf("storage.media.blob.account_name and account_key are required for azure storage")
		}
	}
	return nil
}
