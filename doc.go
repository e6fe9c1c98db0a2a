// Package quasar ingests row-oriented data into memory-bounded batches and
// stores them in the engine that owns each table.
//
// Quasar covers three jobs:
//   - streaming delimited text, JSON lines and decoded media frames into
//     batches whose estimated size never exceeds a caller-given budget
//   - resolving operators, either registered in Go under a qualified name or
//     authored externally as Starlark units, and validating them before use
//   - routing batches to a storage backend chosen by the table's storage kind
//
// # Architecture
//
// Data moves in one direction and is pulled by the caller:
//
//	reader.Open -> Reader.Next -> *batch.Batch
//	    -> (optional) extension.Definition.Invoke
//	    -> storage.Dispatcher.Write / Append -> Backend
//
// None of the core packages calls back into the code that drives it. Errors
// surface once, unretried, so the caller owns retry policy.
//
// # Quick Start
//
// Load a CSV file into a structured table:
//
//	import (
//	    "context"
//
//	    "github.com/ajitpratap0/quasar/internal/pipeline"
//	    "github.com/ajitpratap0/quasar/pkg/catalog"
//	    "github.com/ajitpratap0/quasar/pkg/config"
//	    "github.com/ajitpratap0/quasar/pkg/extension"
//	    "github.com/ajitpratap0/quasar/pkg/storage/backends"
//	)
//
//	cfg := config.New()
//	cat, _ := catalog.Load("catalog.yaml")
//	d := backends.NewDispatcher(cfg.Storage)
//	defer d.Shutdown(context.Background())
//
//	p := pipeline.New(cat, d, extension.NewLoader())
//	res, err := p.Load(context.Background(), pipeline.LoadRequest{
//	    Resource: "users.csv",
//	    Database: "crm",
//	    Table:    "users",
//	})
//
// # Key Packages
//
//	pkg/schema       - Column kinds, schemas and value coercion
//	pkg/batch        - Immutable, schema-tagged row batches
//	pkg/reader       - Budgeted batch readers (csv, tsv, jsonl, frames) with prefetch
//	pkg/extension    - Operator registry and Starlark unit loader
//	pkg/operators    - Built-in operators
//	pkg/storage      - Backend contract and the per-kind dispatcher
//	pkg/storage/...  - Structured (SQL), media (Arrow segments) and blob stores
//	pkg/catalog      - Static YAML catalog of table descriptors
//	pkg/config       - YAML configuration
//	pkg/errors       - Structured error handling
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics
//
// # Configuration
//
// Quasar reads one YAML file:
//
//	type Config struct {
//	    Logging       logger.Config        // Level, encoding, outputs
//	    Reader        ReaderConfig         // Batch budget, prefetch, text options
//	    Extensions    ExtensionsConfig     // Starlark limits and cache
//	    Storage       StorageConfig        // SQL driver, blob store, compression
//	    Catalog       CatalogConfig        // Table descriptor file
//	    Observability ObservabilityConfig  // Tracing exporter, metrics endpoint
//	}
//
// Environment variables are supported with ${VAR_NAME} syntax.
//
// # Development
//
//	go test ./...          # Unit tests
//	go test -short ./...   # Skip integration suites
//	go run ./cmd/quasar help
package quasar
