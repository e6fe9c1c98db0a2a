package extension

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const unitLocal = "quasar.unit"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// operatorValue is what the operator builtin returns. origin is the
// absolute path of the unit that called the builtin.
type operatorValue struct {
	spec    OperatorSpec
	apply   starlark.Callable
	outputs starlark.Value
	origin  string
	frozen  bool
}

var (
	_ starlark.Value    = (*operatorValue)(nil)
	_ starlark.HasAttrs = (*operatorValue)(nil)
)

func (o *operatorValue) String() string        { return fmt.Sprintf("<operator %s>", o.spec.Name) }
func (o *operatorValue) Type() string          { return "operator" }
func (o *operatorValue) Truth() starlark.Bool  { return starlark.True }
func (o *operatorValue) Hash() (uint32, error) { return starlark.String(o.spec.Name).Hash() }

func (o *operatorValue) Freeze() {
	if o.frozen {
		return
	}
	o.frozen = true
	o.apply.Freeze()
	o.outputs.Freeze()
}

func (o *operatorValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(o.spec.Name), nil
	case "apply":
		return o.apply, nil
	case "outputs":
		return o.outputs, nil
	case "requires_gpu":
		return starlark.Bool(o.spec.RequiresGPU), nil
	case "doc":
		return starlark.String(o.spec.Doc), nil
	}
	return nil, nil
}

func (o *operatorValue) AttrNames() []string {
	return []string{"apply", "doc", "name", "outputs", "requires_gpu"}
}

// operatorBuiltin returns the operator builtin bound to one unit
func operatorBuiltin(origin string) *starlark.Builtin {
	return starlark.NewBuiltin("operator", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name        string
			apply       starlark.Callable
			outputs     starlark.Value = starlark.None
			requiresGPU bool
			doc         string
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"name", &name,
			"apply", &apply,
			"outputs?", &outputs,
			"requires_gpu?", &requiresGPU,
			"doc?", &doc,
		); err != nil {
			return nil, err
		}
		if !isIdent(name) {
			return nil, fmt.Errorf("%s: name %q is not an identifier", fn.Name(), name)
		}
		out, err := outputsFromStarlark(outputs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return &operatorValue{
			spec: OperatorSpec{
				Name:        name,
				Outputs:     out,
				RequiresGPU: requiresGPU,
				Doc:         doc,
			},
			apply:   apply,
			outputs: outputs,
			origin:  origin,
		}, nil
	})
}

func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// qualifies reports whether the global bound to symbol is an operator the
// unit at origin declared under that same name
func qualifies(symbol string, v starlark.Value, origin string) (*operatorValue, bool) {
	op, ok := v.(*operatorValue)
	if !ok || op.origin != origin || op.spec.Name != symbol {
		return nil, false
	}
	return op, true
}

func candidates(globals starlark.StringDict, origin string) []string {
	var names []string
	for symbol, v := range globals {
		if _, ok := qualifies(symbol, v, origin); ok {
			names = append(names, symbol)
		}
	}
	sort.Strings(names)
	return names
}

// fileStamp identifies one version of a source file
type fileStamp struct {
	path    string
	size    int64
	modTime int64
	sum     [sha256.Size]byte
}

func stampFile(path string) (fileStamp, []byte, error) {
	src, err := os.ReadFile(path) //nolint:gosec // G304: units are chosen by the caller
	if err != nil {
		return fileStamp{}, nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	return fileStamp{
		path:    path,
		size:    info.Size(),
		modTime: info.ModTime().UnixNano(),
		sum:     sha256.Sum256(src),
	}, src, nil
}

// fingerprint hashes a unit together with every module it loaded
func fingerprint(stamps []fileStamp) [sha256.Size]byte {
	sorted := append([]fileStamp(nil), stamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].path < sorted[j].path })
	h := sha256.New()
	for _, s := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", s.path, s.size, s.modTime)
		h.Write(s.sum[:])
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

type moduleResult struct {
	globals starlark.StringDict
	err     error
}

// unitEvaluator executes one unit and the modules it loads. Every module
// runs on its own thread with its own globals; results are shared within
// one evaluation only.
type unitEvaluator struct {
	maxSteps uint64
	logger   *zap.Logger

	modules map[string]*moduleResult
	stack   []string
	stamps  []fileStamp

	mu       sync.Mutex
	threads  []*starlark.Thread
	canceled string
}

func newUnitEvaluator(maxSteps uint64, log *zap.Logger) *unitEvaluator {
	return &unitEvaluator{
		maxSteps: maxSteps,
		logger:   log,
		modules:  make(map[string]*moduleResult),
	}
}

func (e *unitEvaluator) exec(path string) (starlark.StringDict, error) {
	if m, ok := e.modules[path]; ok {
		return m.globals, m.err
	}
	for _, p := range e.stack {
		if p == path {
			chain := append(append([]string(nil), e.stack...), path)
			return nil, fmt.Errorf("load cycle: %s", strings.Join(chain, " -> "))
		}
	}

	stamp, src, err := stampFile(path)
	if err != nil {
		return nil, err
	}
	e.stamps = append(e.stamps, stamp)

	e.stack = append(e.stack, path)
	thread := e.newThread(path)
	predeclared := starlark.StringDict{"operator": operatorBuiltin(path)}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, predeclared)
	e.stack = e.stack[:len(e.stack)-1]

	e.modules[path] = &moduleResult{globals: globals, err: err}
	return globals, err
}

// load resolves module paths relative to the loading unit
func (e *unitEvaluator) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	path := module
	if !filepath.IsAbs(path) {
		from, _ := thread.Local(unitLocal).(string)
		path = filepath.Join(filepath.Dir(from), path)
	}
	return e.exec(filepath.Clean(path))
}

func (e *unitEvaluator) newThread(path string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: path,
		Load: e.load,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug("operator unit output", zap.String("unit", path), zap.String("message", msg))
		},
	}
	thread.SetLocal(unitLocal, path)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	e.mu.Lock()
	e.threads = append(e.threads, thread)
	reason := e.canceled
	e.mu.Unlock()
	if reason != "" {
		thread.Cancel(reason)
	}
	return thread
}

// cancel stops every running thread and any thread started afterwards
func (e *unitEvaluator) cancel(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = reason
	for _, t := range e.threads {
		t.Cancel(reason)
	}
}

// watch cancels through stop when ctx ends before the returned func is
// called
func watch(ctx context.Context, stop func(reason string)) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// evalError classifies a failed evaluation. Context errors win over the
// interpreter's cancellation message.
func evalError(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr, message)
	}
	wrapped := errors.Wrap(err, errors.ErrorTypeValidation, message)
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		wrapped = wrapped.WithDetail("backtrace", evalErr.Backtrace())
	}
	return wrapped
}
