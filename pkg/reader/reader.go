// Package reader turns row-oriented resources into a lazy, forward-only
// sequence of memory-bounded batches.
//
// A Reader is opened on a resource locator for a schema and a per-batch
// memory budget. Each call to Next yields the following batch; io.EOF marks
// the end of the resource. Readers are not restartable: open a fresh one to
// read again.
//
// Rows are accumulated until adding the next row would push the batch past
// the budget, at which point the batch is closed and the row is kept for the
// following batch. A batch always holds at least one row, even when that row
// alone exceeds the budget, and the end of the resource never produces an
// empty batch.
//
// A malformed record fails the current Next call with a parse error
// (errors.ErrorTypeParse) carrying the resource, line and byte offset. The
// reader is positioned past the bad record and stays usable: callers choose
// to skip and continue or to abort, and must Close it in either case.
//
// Formats are looked up in a registry keyed by name and file extension.
// csv, tsv, jsonl and the media frame containers of package framecodec are
// registered by default.
package reader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"go.uber.org/zap"
)

// Reader produces batches from a resource. A Reader has a single consumer.
type Reader interface {
	// Next returns the next batch, or io.EOF once the resource is exhausted.
	Next(ctx context.Context) (*batch.Batch, error)
	// Close releases the resource. It is safe to call more than once.
	Close() error
}

// RowSource yields one row at a time in schema order. Sources report
// malformed records with a parse error after positioning themselves past
// the record, and io.EOF at the end.
type RowSource interface {
	NextRow(ctx context.Context) ([]interface{}, error)
	Close() error
}

// SizeFunc estimates the memory held by a row
type SizeFunc func(row []interface{}) int64

// Options configure how a resource is opened and batched
type Options struct {
	// Format forces a registered format instead of inferring it from the
	// locator extension
	Format string
	// RowSize overrides batch.EstimateRowSize
	RowSize SizeFunc
	// Prefetch reads one batch ahead on a background task
	Prefetch bool
	// Delimiter separates fields of delimited text; zero infers it
	Delimiter rune
	// Comment marks lines to ignore in delimited text
	Comment rune
	// NullToken is read as null in addition to the empty cell
	NullToken string
	// TrimSpace trims leading space of delimited fields
	TrimSpace bool
	// SampleEvery keeps one media frame out of n
	SampleEvery int
}

// Option mutates Options
type Option func(*Options)

// WithFormat forces the format
func WithFormat(format string) Option {
	return func(o *Options) { o.Format = format }
}

// WithRowSize replaces the row size estimator
func WithRowSize(fn SizeFunc) Option {
	return func(o *Options) { o.RowSize = fn }
}

// WithPrefetch enables one batch of background lookahead
func WithPrefetch(enabled bool) Option {
	return func(o *Options) { o.Prefetch = enabled }
}

// WithDelimiter sets the field delimiter for delimited text
func WithDelimiter(r rune) Option {
	return func(o *Options) { o.Delimiter = r }
}

// WithComment sets the comment character for delimited text
func WithComment(r rune) Option {
	return func(o *Options) { o.Comment = r }
}

// WithNullToken sets the text read as null
func WithNullToken(token string) Option {
	return func(o *Options) { o.NullToken = token }
}

// WithTrimSpace trims leading space of delimited fields
func WithTrimSpace(enabled bool) Option {
	return func(o *Options) { o.TrimSpace = enabled }
}

// WithSampleEvery keeps one media frame out of n
func WithSampleEvery(n int) Option {
	return func(o *Options) { o.SampleEvery = n }
}

func buildOptions(opts []Option) Options {
	o := Options{SampleEvery: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RowSize == nil {
		o.RowSize = batch.EstimateRowSize
	}
	if o.SampleEvery < 1 {
		o.SampleEvery = 1
	}
	return o
}

// Factory opens a row source for a locator
type Factory func(ctx context.Context, locator string, sch schema.Schema, opts Options) (RowSource, error)

// Registry maps format names and file extensions to factories
type Registry struct {
	formats    map[string]Factory
	extensions map[string]string
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewRegistry creates an empty format registry
func NewRegistry() *Registry {
	return &Registry{
		formats:    make(map[string]Factory),
		extensions: make(map[string]string),
		logger:     logger.With(zap.String("component", "reader_registry")),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by Open
func Default() *Registry { return defaultRegistry }

// Register adds a format and the extensions it claims
func (r *Registry) Register(name string, extensions []string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formats[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("reader format %s already registered", name))
	}
	for _, ext := range extensions {
		ext = normalizeExt(ext)
		if owner, taken := r.extensions[ext]; taken {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("extension %s already claimed by format %s", ext, owner))
		}
	}

	r.formats[name] = factory
	for _, ext := range extensions {
		r.extensions[normalizeExt(ext)] = name
	}
	r.logger.Debug("reader format registered", zap.String("name", name), zap.Strings("extensions", extensions))
	return nil
}

// Formats returns the registered format names, sorted
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formats))
	for name := range r.formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FormatFor returns the format name for a locator, honoring a forced format
func (r *Registry) FormatFor(locator, forced string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if forced != "" {
		if _, ok := r.formats[forced]; !ok {
			return "", errors.Newf(errors.ErrorTypeUnsupported, "unknown reader format %q", forced)
		}
		return forced, nil
	}
	ext := normalizeExt(filepath.Ext(locator))
	name, ok := r.extensions[ext]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeUnsupported, "no reader format for extension %q of %s", ext, locator).
			WithDetail("resource", locator)
	}
	return name, nil
}

// Open opens a reader through this registry
func (r *Registry) Open(ctx context.Context, locator string, sch schema.Schema, budget int64, opts ...Option) (Reader, error) {
	if budget <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "memory budget must be positive, got %d", budget)
	}
	if sch.Len() == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema has no columns")
	}
	o := buildOptions(opts)

	format, err := r.FormatFor(locator, o.Format)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory := r.formats[format]
	r.mu.RUnlock()

	src, err := factory(ctx, locator, sch, o)
	if err != nil {
		return nil, err
	}
	return wrap(ctx, FromRows(format, src, sch, budget, o), o), nil
}

// Register adds a format to the default registry
func Register(name string, extensions []string, factory Factory) error {
	return defaultRegistry.Register(name, extensions, factory)
}

// Formats lists the formats of the default registry
func Formats() []string {
	return defaultRegistry.Formats()
}

// Open opens a reader on locator through the default registry
func Open(ctx context.Context, locator string, sch schema.Schema, budget int64, opts ...Option) (Reader, error) {
	return defaultRegistry.Open(ctx, locator, sch, budget, opts...)
}

func wrap(ctx context.Context, r Reader, o Options) Reader {
	if o.Prefetch {
		return NewPrefetcher(ctx, r)
	}
	return r
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NewParseError describes a malformed record of resource. line and offset
// locate the record; offset is -1 when unknown.
func NewParseError(resource string, line, offset int64, cause error) *errors.Error {
	var e *errors.Error
	if cause != nil {
		e = errors.Wrapf(cause, errors.ErrorTypeParse, "%s: malformed record at line %d", resource, line)
	} else {
		e = errors.Newf(errors.ErrorTypeParse, "%s: malformed record at line %d", resource, line)
	}
	return e.WithDetail("resource", resource).
		WithDetail("line", line).
		WithDetail("offset", offset)
}

// Position extracts the resource, line and offset of a parse error
func Position(err error) (resource string, line, offset int64, ok bool) {
	var e *errors.Error
	for cur := err; errors.As(cur, &e); cur = e.Cause {
		if e.Type == errors.ErrorTypeParse {
			resource, _ = e.Details["resource"].(string)
			line, _ = e.Details["line"].(int64)
			offset, _ = e.Details["offset"].(int64)
			return resource, line, offset, true
		}
	}
	return "", 0, 0, false
}

func locationError(locator string, err error) error {
	return errors.Wrapf(err, errors.ErrorTypeLocationNotFound, "resource %s not found", locator).
		WithDetail("resource", locator)
}
