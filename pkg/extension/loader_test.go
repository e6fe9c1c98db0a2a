package extension

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUnit(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

var scoreSchema = schema.MustNew(
	schema.Column{Name: "id", Kind: schema.KindInt},
	schema.Column{Name: "score", Kind: schema.KindFloat},
)

func scoreBatch(t *testing.T) *batch.Batch {
	t.Helper()
	b, err := batch.New(scoreSchema,
		[]interface{}{int64(1), 0.5},
		[]interface{}{int64(2), 1.5},
		[]interface{}{int64(3), nil},
	)
	require.NoError(t, err)
	return b
}

func TestResolveByName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.passthrough", func() (Operator, error) {
		return NewOperator(OperatorSpec{Doc: "returns its input"}, func(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
			return in, nil
		}), nil
	}))
	assert.Error(t, reg.Register("test.passthrough", func() (Operator, error) { return nil, nil }))
	assert.Equal(t, []string{"test.passthrough"}, reg.Names())

	l := NewLoader(WithRegistry(reg))
	def, err := l.ResolveByName(context.Background(), "test.passthrough")
	require.NoError(t, err)
	assert.Equal(t, Identity{Name: "test.passthrough"}, def.Identity())
	assert.Equal(t, "test.passthrough", def.Spec().Name)

	in := scoreBatch(t)
	out, err := def.Invoke(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())

	_, err = l.ResolveByName(context.Background(), "test.unknown")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

const twoOperators = `
def _double(rows):
    return [{"id": r["id"], "score": r["score"] * 2 if r["score"] != None else None} for r in rows]

def _label(rows):
    return [{"id": r["id"], "label": "row-%d" % r["id"]} for r in rows]

double = operator(name = "double", apply = _double)
label = operator(
    name = "label",
    apply = _label,
    outputs = {"id": "int", "label": "string"},
    doc = "labels rows",
)
`

func TestResolveByLocationSymbol(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "ops.star", twoOperators)
	l := NewLoader()
	ctx := context.Background()

	def, err := l.ResolveByLocation(ctx, path, "label")
	require.NoError(t, err)
	assert.Equal(t, "label", def.Identity().Symbol)
	assert.Equal(t, path, def.Identity().Location)
	assert.Equal(t, "labels rows", def.Spec().Doc)
	assert.Equal(t, []string{"id", "label"}, def.Spec().Outputs.Names())

	_, err = l.ResolveByLocation(ctx, path, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = l.ResolveByLocation(ctx, path, "_double")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), "plain functions are not operators")

	_, err = l.ResolveByLocation(ctx, path, "")
	require.Error(t, err)
	assert.True(t, errors.IsAmbiguous(err))
	candidates, ok := errors.Detail(err, "candidates")
	require.True(t, ok)
	assert.Equal(t, []string{"double", "label"}, candidates)
}

func TestResolveByLocationExactlyOne(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l := NewLoader()

	single := writeUnit(t, dir, "single.star", `
def _f(rows):
    return rows

only = operator(name = "only", apply = _f)
`)
	def, err := l.ResolveByLocation(ctx, single, "")
	require.NoError(t, err)
	assert.Equal(t, "only", def.Identity().Symbol)

	none := writeUnit(t, dir, "none.star", `
def helper(rows):
    return rows
`)
	_, err = l.ResolveByLocation(ctx, none, "")
	require.Error(t, err)
	assert.True(t, errors.IsAmbiguous(err))
	candidates, ok := errors.Detail(err, "candidates")
	require.True(t, ok)
	assert.Empty(t, candidates)
}

func TestResolveByLocationMissing(t *testing.T) {
	l := NewLoader()
	missing := filepath.Join(t.TempDir(), "absent.star")

	for _, symbol := range []string{"", "anything"} {
		_, err := l.ResolveByLocation(context.Background(), missing, symbol)
		require.Error(t, err)
		assert.True(t, errors.IsLocationNotFound(err), "symbol %q", symbol)
	}

	_, err := l.ResolveByLocation(context.Background(), t.TempDir(), "")
	require.Error(t, err)
	assert.True(t, errors.IsLocationNotFound(err))
}

func TestAliasesAndLoadedOperatorsDoNotQualify(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "lib/common.star", `
def _f(rows):
    return rows

copy = operator(name = "copy", apply = _f)
`)
	main := writeUnit(t, dir, "main.star", `
load("lib/common.star", lib_copy = "copy")

def _g(rows):
    return rows

copy = lib_copy
local = operator(name = "local", apply = _g)
alias = local
`)
	l := NewLoader()
	ctx := context.Background()

	def, err := l.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	assert.Equal(t, "local", def.Identity().Symbol)

	for _, symbol := range []string{"copy", "alias", "operator"} {
		_, err := l.ResolveByLocation(ctx, main, symbol)
		require.Error(t, err, symbol)
		assert.True(t, errors.IsNotFound(err), symbol)
	}
}

func TestEvaluationErrors(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader()
	ctx := context.Background()

	tests := []struct {
		name string
		src  string
	}{
		{"syntax", "def broken(:\n"},
		{"runtime", "fail(\"boom\")\n"},
		{"unknown kwarg", "def _f(rows):\n    return rows\n\nx = operator(name = \"x\", apply = _f, gpu = True)\n"},
		{"bad name", "def _f(rows):\n    return rows\n\nx = operator(name = \"not valid\", apply = _f)\n"},
		{"bad outputs", "def _f(rows):\n    return rows\n\nx = operator(name = \"x\", apply = _f, outputs = {\"id\": \"decimal\"})\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeUnit(t, dir, filepath.Join(tt.name, "unit.star"), tt.src)
			_, err := l.ResolveByLocation(ctx, path, "")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), err.Error())
		})
	}
	assert.Equal(t, 0, l.CacheLen())

	path := writeUnit(t, dir, "fail.star", "fail(\"boom\")\n")
	_, err := l.ResolveByLocation(ctx, path, "")
	backtrace, ok := errors.Detail(err, "backtrace")
	require.True(t, ok)
	assert.Contains(t, backtrace, "boom")
}

func TestLoadCycle(t *testing.T) {
	dir := t.TempDir()
	a := writeUnit(t, dir, "a.star", "load(\"b.star\", \"b\")\na = 1\n")
	writeUnit(t, dir, "b.star", "load(\"a.star\", \"a\")\nb = 2\n")

	_, err := NewLoader().ResolveByLocation(context.Background(), a, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "load cycle")
}

func TestCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	lib := writeUnit(t, dir, "lib.star", "FACTOR = 2\n")
	main := writeUnit(t, dir, "main.star", `
load("lib.star", "FACTOR")

def _scale(rows):
    return [{"id": r["id"], "score": r["score"] * FACTOR if r["score"] != None else None} for r in rows]

scale = operator(name = "scale", apply = _scale)
`)
	l := NewLoader()
	ctx := context.Background()

	first, err := l.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	second, err := l.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, l.CacheLen())

	// editing a loaded module invalidates the unit
	require.NoError(t, os.WriteFile(lib, []byte("FACTOR = 10\n"), 0o644))
	third, err := l.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	out, err := third.Invoke(ctx, scoreBatch(t))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), 5.0}, out.Row(0))

	l.Purge()
	assert.Equal(t, 0, l.CacheLen())

	uncached := NewLoader(WithCache(false))
	a, err := uncached.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	b, err := uncached.ResolveByLocation(ctx, main, "")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestInvoke(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "ops.star", twoOperators)
	l := NewLoader()
	ctx := context.Background()
	in := scoreBatch(t)

	double, err := l.ResolveByLocation(ctx, path, "double")
	require.NoError(t, err)
	out, err := double.Invoke(ctx, in)
	require.NoError(t, err)
	assert.True(t, out.Schema().Equal(scoreSchema))
	assert.Equal(t, []interface{}{int64(2), 3.0}, out.Row(1))
	assert.Equal(t, []interface{}{int64(3), nil}, out.Row(2))

	label, err := l.ResolveByLocation(ctx, path, "label")
	require.NoError(t, err)
	out, err = label.Invoke(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "label"}, out.Schema().Names())
	assert.Equal(t, []interface{}{int64(1), "row-1"}, out.Row(0))

	// input is untouched
	assert.Equal(t, []interface{}{int64(2), 1.5}, in.Row(1))
}

func TestInvokeInfersAndConvertsKinds(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "frames.star", `
def _describe(rows):
    return [{"size": len(r["data"]), "at": r["at"], "head": r["data"][:1]} for r in rows]

describe = operator(name = "describe", apply = _describe)
`)
	frameSchema := schema.MustNew(
		schema.Column{Name: "data", Kind: schema.KindBytes},
		schema.Column{Name: "at", Kind: schema.KindTimestamp},
	)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in, err := batch.New(frameSchema, []interface{}{[]byte("abc"), at})
	require.NoError(t, err)

	def, err := NewLoader().ResolveByLocation(context.Background(), path, "")
	require.NoError(t, err)
	out, err := def.Invoke(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"size", "at", "head"}, out.Schema().Names())
	col, _ := out.Schema().Lookup("size")
	assert.Equal(t, schema.KindInt, col.Kind)
	col, _ = out.Schema().Lookup("at")
	assert.Equal(t, schema.KindString, col.Kind)
	assert.Equal(t, []interface{}{int64(3), at.Format(time.RFC3339Nano), []byte("a")}, out.Row(0))
}

func TestInvokeRejectsBadResults(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "bad.star", `
def _scalar(rows):
    return 1

def _extra(rows):
    return [{"id": 1, "other": 2}]

scalar = operator(name = "scalar", apply = _scalar)
extra = operator(name = "extra", apply = _extra, outputs = {"id": "int"})
`)
	l := NewLoader()
	ctx := context.Background()

	scalar, err := l.ResolveByLocation(ctx, path, "scalar")
	require.NoError(t, err)
	_, err = scalar.Invoke(ctx, scoreBatch(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	extra, err := l.ResolveByLocation(ctx, path, "extra")
	require.NoError(t, err)
	_, err = extra.Invoke(ctx, scoreBatch(t))
	require.Error(t, err)
	assert.True(t, errors.IsSchemaMismatch(err))
}

const spinUnit = `
def spin():
    n = 0
    while True:
        n += 1

spin()
`

func TestResolveCancellation(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "spin.star", spinUnit)
	l := NewLoader(WithMaxSteps(0), WithTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := l.ResolveByLocation(ctx, path, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled), err.Error())
	assert.Equal(t, 0, l.CacheLen())

	timed := NewLoader(WithMaxSteps(0), WithTimeout(50*time.Millisecond))
	_, err = timed.ResolveByLocation(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout), err.Error())

	limited := NewLoader(WithMaxSteps(10_000), WithTimeout(0))
	_, err = limited.ResolveByLocation(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), err.Error())
}

func TestInvokeCancellation(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "slow.star", `
def _spin(rows):
    while True:
        pass

slow = operator(name = "slow", apply = _spin)
`)
	def, err := NewLoader(WithMaxSteps(0), WithTimeout(0)).ResolveByLocation(context.Background(), path, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = def.Invoke(ctx, scoreBatch(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout), err.Error())
}
