package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dispatcher maps table kinds to backends. Backends are created lazily,
// once per kind, and kept until Shutdown.
type Dispatcher struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	backends  map[Kind]Backend
	group     singleflight.Group
	closed    bool
	logger    *zap.Logger

	// buildTimeout bounds one backend construction
	buildTimeout time.Duration
}

// DefaultBuildTimeout bounds backend construction unless WithBuildTimeout
// says otherwise
const DefaultBuildTimeout = 2 * time.Minute

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithFactory registers f for kind at construction
func WithFactory(kind Kind, f Factory) DispatcherOption {
	return func(d *Dispatcher) { d.factories[kind] = f }
}

// WithBuildTimeout bounds how long one backend construction may take
func WithBuildTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.buildTimeout = timeout }
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		factories: make(map[Kind]Factory),
		backends:  make(map[Kind]Backend),
		logger:    logger.Get().With(zap.String("component", "storage_dispatcher")),

		buildTimeout: DefaultBuildTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds the factory for kind
func (d *Dispatcher) Register(kind Kind, f Factory) error {
	if f == nil {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("storage kind %s has no factory", kind))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.factories[kind]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("storage kind %s already registered", kind))
	}
	d.factories[kind] = f
	d.logger.Info("storage kind registered", zap.String("kind", string(kind)))
	return nil
}

// Kinds lists the registered kinds
func (d *Dispatcher) Kinds() []Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kinds := make([]Kind, 0, len(d.factories))
	for k := range d.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// BackendFor returns the backend owning desc. The result depends only on
// desc.Kind: the first call per kind constructs the backend, concurrent
// first calls share that construction, and later calls return the same
// instance. Construction does not inherit the cancellation of the caller
// that started it: a canceled caller returns early while the others keep
// waiting.
func (d *Dispatcher) BackendFor(ctx context.Context, desc TableDescriptor) (Backend, error) {
	kind := desc.Kind

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, errors.New(errors.ErrorTypeValidation, "dispatcher is shut down")
	}
	b, ok := d.backends[kind]
	factory, registered := d.factories[kind]
	d.mu.RUnlock()
	if ok {
		return b, nil
	}
	if !registered {
		return nil, errors.Newf(errors.ErrorTypeUnsupported, "no storage engine for kind %q", kind).
			WithDetail("kind", string(kind)).
			WithDetail("table", desc.QualifiedName())
	}

	ch := d.group.DoChan(string(kind), func() (interface{}, error) {
		d.mu.RLock()
		existing, ok := d.backends[kind]
		d.mu.RUnlock()
		if ok {
			return existing, nil
		}

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.buildTimeout)
		defer cancel()
		created, err := factory(buildCtx)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to create %s storage", kind)
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = created.Close(buildCtx)
			return nil, errors.New(errors.ErrorTypeValidation, "dispatcher is shut down")
		}
		d.backends[kind] = created
		d.mu.Unlock()

		metrics.BackendsActive.WithLabelValues(string(kind)).Inc()
		d.logger.Info("storage backend created",
			zap.String("kind", string(kind)),
			zap.Stringer("capabilities", created.Capabilities()))
		return created, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Backend), nil
	case <-ctx.Done():
		return nil, errors.FromContext(ctx.Err(), fmt.Sprintf("waiting for %s storage", kind))
	}
}

// Write inserts b into the table described by desc
func (d *Dispatcher) Write(ctx context.Context, desc TableDescriptor, b *batch.Batch) (int, error) {
	return d.store(ctx, desc, b, OpInsert)
}

// Append bulk-appends b to the table described by desc
func (d *Dispatcher) Append(ctx context.Context, desc TableDescriptor, b *batch.Batch) (int, error) {
	return d.store(ctx, desc, b, OpAppend)
}

func (d *Dispatcher) store(ctx context.Context, desc TableDescriptor, b *batch.Batch, op Operation) (n int, err error) {
	ctx, span := observability.StartSpan(ctx, "storage", op.String(),
		attribute.String("table", desc.QualifiedName()),
		attribute.String("kind", string(desc.Kind)),
		attribute.Int("rows", b.Len()))
	timer := metrics.NewTimer()
	defer func() {
		observability.EndSpan(span, err)
		d.observe(desc.Kind, op, timer, err)
	}()

	if err := desc.Validate(); err != nil {
		return 0, err
	}
	conformed, err := Conform(desc, b)
	if err != nil {
		return 0, err
	}

	backend, err := d.BackendFor(ctx, desc)
	if err != nil {
		return 0, err
	}
	if !backend.Capabilities().Has(op) {
		return 0, Unsupported(desc.Kind, op)
	}

	if op == OpInsert {
		n, err = backend.Write(ctx, desc, conformed)
	} else {
		n, err = backend.Append(ctx, desc, conformed)
	}
	if err != nil {
		return 0, err
	}
	metrics.BackendRows.WithLabelValues(string(desc.Kind), op.String()).Add(float64(n))
	logger.WithContext(logger.ContextWith(ctx, logger.TableKey, desc.QualifiedName())).Debug("batch stored",
		zap.String("operation", op.String()),
		zap.Int("rows", n))
	return n, nil
}

// Scan reads the table described by desc back in bounded batches
func (d *Dispatcher) Scan(ctx context.Context, desc TableDescriptor, budget int64) (r reader.Reader, err error) {
	timer := metrics.NewTimer()
	defer func() { d.observe(desc.Kind, OpScan, timer, err) }()

	backend, err := d.capable(ctx, desc, OpScan)
	if err != nil {
		return nil, err
	}
	return backend.Scan(ctx, desc, budget)
}

// Drop removes the table described by desc
func (d *Dispatcher) Drop(ctx context.Context, desc TableDescriptor) (err error) {
	timer := metrics.NewTimer()
	defer func() { d.observe(desc.Kind, OpDrop, timer, err) }()

	backend, err := d.capable(ctx, desc, OpDrop)
	if err != nil {
		return err
	}
	return backend.Drop(ctx, desc)
}

func (d *Dispatcher) capable(ctx context.Context, desc TableDescriptor, op Operation) (Backend, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	backend, err := d.BackendFor(ctx, desc)
	if err != nil {
		return nil, err
	}
	if !backend.Capabilities().Has(op) {
		return nil, Unsupported(desc.Kind, op)
	}
	return backend, nil
}

func (d *Dispatcher) observe(kind Kind, op Operation, timer *metrics.Timer, err error) {
	metrics.BackendLatency.WithLabelValues(string(kind), op.String()).Observe(timer.Stop().Seconds())
	if err != nil {
		metrics.BackendErrors.WithLabelValues(string(kind), op.String(), string(errors.TypeOf(err))).Inc()
	}
}

// Shutdown closes every constructed backend. The dispatcher cannot be used
// afterwards.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	backends := d.backends
	d.backends = make(map[Kind]Backend)
	d.mu.Unlock()

	var errs []error
	for kind, b := range backends {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to close %s storage", kind))
		}
		metrics.BackendsActive.WithLabelValues(string(kind)).Dec()
		d.logger.Info("storage backend closed", zap.String("kind", string(kind)))
	}
	return errors.Join(errs...)
}
