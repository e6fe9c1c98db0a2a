package extension

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

const (
	// DefaultMaxSteps caps interpreter steps per evaluation
	DefaultMaxSteps = uint64(10_000_000)
	// DefaultTimeout caps wall time per evaluation
	DefaultTimeout = 30 * time.Second
)

// Loader resolves operator definitions by registered name or by source
// location. It is safe for concurrent use.
type Loader struct {
	registry *Registry
	maxSteps uint64
	timeout  time.Duration
	cache    *definitionCache
	logger   *zap.Logger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithRegistry resolves names against r instead of the default registry
func WithRegistry(r *Registry) LoaderOption {
	return func(l *Loader) { l.registry = r }
}

// WithMaxSteps caps interpreter steps; zero removes the cap
func WithMaxSteps(n uint64) LoaderOption {
	return func(l *Loader) { l.maxSteps = n }
}

// WithTimeout caps wall time per evaluation and invocation; zero removes the cap
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithCache enables or disables the location cache
func WithCache(enabled bool) LoaderOption {
	return func(l *Loader) {
		if enabled {
			l.cache = newDefinitionCache()
		} else {
			l.cache = nil
		}
	}
}

// OptionsFromConfig maps the extensions section of the configuration
func OptionsFromConfig(cfg config.ExtensionsConfig) []LoaderOption {
	return []LoaderOption{
		WithMaxSteps(cfg.MaxSteps),
		WithTimeout(cfg.Timeout),
		WithCache(cfg.CacheEnabled),
	}
}

// NewLoader creates a Loader
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		registry: defaultRegistry,
		maxSteps: DefaultMaxSteps,
		timeout:  DefaultTimeout,
		cache:    newDefinitionCache(),
		logger:   logger.Get().With(zap.String("component", "extension_loader")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ResolveByName returns the registered operator with the given qualified name
func (l *Loader) ResolveByName(ctx context.Context, name string) (Definition, error) {
	_, span := observability.StartSpan(ctx, "extension", "resolve_name", attribute.String("operator", name))
	def, err := l.resolveByName(name)
	observability.EndSpan(span, err)
	metrics.Resolutions.WithLabelValues("name", outcome(err)).Inc()
	return def, err
}

func (l *Loader) resolveByName(name string) (Definition, error) {
	ctor, ok := l.registry.Lookup(name)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "operator %q is not registered", name).
			WithDetail("name", name)
	}
	op, err := ctor()
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create operator %s", name)
	}
	return &registeredDefinition{id: Identity{Name: name}, op: op, timeout: l.timeout}, nil
}

// ResolveByLocation evaluates the unit at path and returns the operator it
// declares under symbol. With an empty symbol the unit must declare exactly
// one operator.
func (l *Loader) ResolveByLocation(ctx context.Context, path, symbol string) (def Definition, err error) {
	ctx, span := observability.StartSpan(ctx, "extension", "resolve_location",
		attribute.String("location", path), attribute.String("symbol", symbol))
	cached := false
	defer func() {
		observability.EndSpan(span, err)
		result := outcome(err)
		if cached {
			result = "cached"
		}
		metrics.Resolutions.WithLabelValues("location", result).Inc()
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeLocationNotFound, "invalid location %s", path).
			WithDetail("location", path)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeLocationNotFound, "no operator unit at %s", path).
				WithDetail("location", path)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to stat %s", path)
	}

	key := cacheKey{path: abs, symbol: symbol}
	if l.cache != nil {
		if def, ok := l.cache.get(key); ok {
			cached = true
			return def, nil
		}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	ev := newUnitEvaluator(l.maxSteps, l.logger)
	stop := watch(ctx, ev.cancel)
	globals, execErr := ev.exec(abs)
	stop()
	if execErr != nil {
		err = evalError(ctx, execErr, "failed to evaluate "+path)
		l.logger.Warn("operator unit evaluation failed",
			zap.String("location", abs), zap.Error(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err, "operator resolution interrupted")
	}

	op, err := selectOperator(globals, abs, path, symbol)
	if err != nil {
		return nil, err
	}

	def = &starlarkDefinition{
		id:       Identity{Location: abs, Symbol: op.spec.Name},
		spec:     op.spec,
		apply:    op.apply,
		maxSteps: l.maxSteps,
		timeout:  l.timeout,
		logger:   l.logger,
	}
	if l.cache != nil {
		l.cache.put(key, ev.stamps, def)
	}
	l.logger.Debug("operator resolved",
		zap.String("location", abs),
		zap.String("symbol", op.spec.Name),
		zap.Int("files", len(ev.stamps)))
	return def, nil
}

func selectOperator(globals starlark.StringDict, abs, path, symbol string) (*operatorValue, error) {
	if symbol != "" {
		op, ok := qualifies(symbol, globals[symbol], abs)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "%s declares no operator %q", path, symbol).
				WithDetail("location", path).
				WithDetail("symbol", symbol)
		}
		return op, nil
	}

	names := candidates(globals, abs)
	if len(names) != 1 {
		return nil, errors.Newf(errors.ErrorTypeAmbiguous, "%s declares %d operators, expected exactly one: [%s]",
			path, len(names), strings.Join(names, ", ")).
			WithDetail("location", path).
			WithDetail("candidates", names)
	}
	op, _ := qualifies(names[0], globals[names[0]], abs)
	return op, nil
}

// CacheLen reports how many location resolutions are cached
func (l *Loader) CacheLen() int {
	if l.cache == nil {
		return 0
	}
	return l.cache.len()
}

// Purge drops every cached resolution
func (l *Loader) Purge() {
	if l.cache != nil {
		l.cache.purge()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsNotFound(err), errors.IsLocationNotFound(err):
		return "not_found"
	case errors.IsAmbiguous(err):
		return "ambiguous"
	}
	return "error"
}

type registeredDefinition struct {
	id      Identity
	op      Operator
	timeout time.Duration
}

func (d *registeredDefinition) Identity() Identity { return d.id }

func (d *registeredDefinition) Spec() OperatorSpec {
	spec := d.op.Spec()
	if spec.Name == "" {
		spec.Name = d.id.Name
	}
	return spec
}

func (d *registeredDefinition) Invoke(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	out, err := d.op.Invoke(ctx, in)
	recordInvocation(d.id, err)
	return out, err
}

type starlarkDefinition struct {
	id       Identity
	spec     OperatorSpec
	apply    starlark.Callable
	maxSteps uint64
	timeout  time.Duration
	logger   *zap.Logger
}

func (d *starlarkDefinition) Identity() Identity { return d.id }
func (d *starlarkDefinition) Spec() OperatorSpec { return d.spec }

// Invoke passes the rows to apply as a list of dicts on a fresh thread
func (d *starlarkDefinition) Invoke(ctx context.Context, in *batch.Batch) (out *batch.Batch, err error) {
	ctx, span := observability.StartSpan(ctx, "extension", "invoke",
		attribute.String("operator", d.id.String()), attribute.Int("rows", in.Len()))
	defer func() {
		observability.EndSpan(span, err)
		recordInvocation(d.id, err)
	}()

	rows, err := batchToStarlark(in)
	if err != nil {
		return nil, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	thread := &starlark.Thread{
		Name: d.id.String(),
		Print: func(_ *starlark.Thread, msg string) {
			d.logger.Debug("operator output", zap.String("operator", d.id.String()), zap.String("message", msg))
		},
	}
	if d.maxSteps > 0 {
		thread.SetMaxExecutionSteps(d.maxSteps)
	}
	stop := watch(ctx, func(reason string) { thread.Cancel(reason) })
	res, callErr := starlark.Call(thread, d.apply, starlark.Tuple{rows}, nil)
	stop()
	if callErr != nil {
		return nil, evalError(ctx, callErr, "operator "+d.id.String()+" failed")
	}

	outRows, err := rowsFromStarlark(res)
	if err != nil {
		return nil, err
	}
	return buildOutput(d.spec.Outputs, in.Schema(), outRows)
}

func recordInvocation(id Identity, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.Invocations.WithLabelValues(id.String(), status).Inc()
}
