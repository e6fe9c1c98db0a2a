// Package pipeline drives the core components for the command line: it
// pulls batches from a reader, optionally passes each through an operator,
// and hands the result to the storage dispatcher.
//
// # Overview
//
// Two executors are provided:
//   - Load reads a whole resource into a table
//   - Insert writes a single row into a structured table
//
// Neither retries. Any error aborts the operation and is returned with the
// number of rows stored before it happened.
//
// # Basic Usage
//
//	p := pipeline.New(catalog, dispatcher, loader)
//	res, err := p.Load(ctx, pipeline.LoadRequest{
//	    Resource: "users.csv",
//	    Database: "crm",
//	    Table:    "users",
//	})
package pipeline

import (
	"context"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/extension"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"go.uber.org/zap"
)

// Catalog supplies table descriptors
type Catalog interface {
	Lookup(database, table string) (storage.TableDescriptor, error)
}

// Storage persists batches
type Storage interface {
	Write(ctx context.Context, desc storage.TableDescriptor, b *batch.Batch) (int, error)
	Append(ctx context.Context, desc storage.TableDescriptor, b *batch.Batch) (int, error)
}

// Resolver finds operator definitions
type Resolver interface {
	ResolveByName(ctx context.Context, name string) (extension.Definition, error)
	ResolveByLocation(ctx context.Context, path, symbol string) (extension.Definition, error)
}

// GPUCheck reports whether hardware acceleration is available
type GPUCheck func() bool

// NoGPU is the default check
func NoGPU() bool { return false }

// Pipeline runs load and insert operations
type Pipeline struct {
	catalog  Catalog
	storage  Storage
	resolver Resolver
	gpu      GPUCheck
	logger   *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithGPUCheck replaces the GPU availability check
func WithGPUCheck(check GPUCheck) Option {
	return func(p *Pipeline) {
		if check != nil {
			p.gpu = check
		}
	}
}

// New creates a Pipeline. resolver may be nil when no operators are used.
func New(catalog Catalog, store Storage, resolver Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalog:  catalog,
		storage:  store,
		resolver: resolver,
		gpu:      NoGPU,
		logger:   logger.Get().With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
