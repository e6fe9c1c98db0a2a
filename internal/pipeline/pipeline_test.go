package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/extension"
	_ "github.com/ajitpratap0/quasar/pkg/operators"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/reader/framecodec"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/storage/backends"
	"github.com/ajitpratap0/quasar/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
databases:
  - name: crm
    tables:
      - name: users
        kind: structured
        columns:
          - {name: id, kind: int}
          - {name: name, kind: string}
      - name: frame_sizes
        kind: media
        columns:
          - {name: id, kind: int}
          - {name: bytes, kind: int}
`

type harness struct {
	ctx        context.Context
	pipeline   *Pipeline
	dispatcher *storage.Dispatcher
	catalog    *catalog.Catalog
	dir        string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	testutil.UseTestLogger(t)
	dir := t.TempDir()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	d := backends.NewDispatcher(config.StorageConfig{
		Structured: config.StructuredConfig{Driver: "sqlite", DSN: filepath.Join(dir, "q.db")},
		Media:      config.MediaConfig{Blob: config.BlobConfig{Type: "local", Path: filepath.Join(dir, "media")}},
	})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return &harness{
		ctx:        testutil.TestContext(t),
		pipeline:   New(cat, d, extension.NewLoader(), opts...),
		dispatcher: d,
		catalog:    cat,
		dir:        dir,
	}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	return testutil.WriteFile(t, h.dir, name, content)
}

func (h *harness) rows(t *testing.T, table string) [][]interface{} {
	t.Helper()
	desc, err := h.catalog.Lookup("crm", table)
	require.NoError(t, err)
	r, err := h.dispatcher.Scan(h.ctx, desc, reader.DefaultBudget)
	require.NoError(t, err)
	defer r.Close()
	return testutil.Rows(t, r)
}

func TestLoadCSV(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "users.csv", "id,name,ignored\n1,ann,x\n2,bob,y\n3,,z\n")

	res, err := h.pipeline.Load(h.ctx, LoadRequest{Resource: path, Database: "crm", Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 1, res.Batches)
	assert.Zero(t, res.Skipped)

	rows := h.rows(t, "users")
	require.Len(t, rows, 3)
	assert.Equal(t, []interface{}{int64(1), "ann"}, rows[0])
	assert.Equal(t, []interface{}{int64(3), nil}, rows[2])
}

func TestLoadMalformedRecords(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "users.csv", "id,name\n1,ann\nnot-a-number,bob\n3,cat\n")

	res, err := h.pipeline.Load(h.ctx, LoadRequest{Resource: path, Database: "crm", Table: "users"})
	require.Error(t, err)
	assert.True(t, errors.IsParse(err))
	assert.Zero(t, res.Rows)

	res, err = h.pipeline.Load(h.ctx, LoadRequest{
		Resource:      path,
		Database:      "crm",
		Table:         "users",
		SkipMalformed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.rows(t, "users"), 2)
}

func TestLoadGeneratedCSV(t *testing.T) {
	h := newHarness(t)
	path := testutil.CreateCSV(t, h.dir, "generated.csv", 500)

	res, err := h.pipeline.Load(h.ctx, LoadRequest{
		Resource: path,
		Database: "crm",
		Table:    "users",
		Budget:   4096,
	})
	require.NoError(t, err)
	assert.Equal(t, 500, res.Rows)
	assert.Greater(t, res.Batches, 1)

	rows := h.rows(t, "users")
	require.Len(t, rows, 500)
	assert.Equal(t, []interface{}{int64(499), "user_499"}, rows[499])
}

func TestLoadBudgetSplitsBatches(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "users.csv", "id,name\n1,a\n2,b\n3,c\n4,d\n")

	res, err := h.pipeline.Load(h.ctx, LoadRequest{
		Resource: path,
		Database: "crm",
		Table:    "users",
		Budget:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 4, res.Batches)
}

func writeClip(t *testing.T, dir string, n int) string {
	t.Helper()
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = make([]byte, 4+i)
	}
	return testutil.WriteQFV(t, dir, "clip.qfv", framecodec.Info{Width: 2, Height: 2, FPS: 25}, frames...)
}

func TestLoadFramesThroughOperator(t *testing.T) {
	h := newHarness(t)
	clip := writeClip(t, h.dir, 5)

	res, err := h.pipeline.Load(h.ctx, LoadRequest{
		Resource: clip,
		Database: "crm",
		Table:    "frame_sizes",
		ReadSchema: schema.MustNew(
			schema.Column{Name: reader.FrameID, Kind: schema.KindInt},
			schema.Column{Name: reader.FrameData, Kind: schema.KindBytes},
		),
		Operator: "builtin.frame_stats",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rows)

	rows := h.rows(t, "frame_sizes")
	require.Len(t, rows, 5)
	assert.Equal(t, []interface{}{int64(4), int64(8)}, rows[4])
}

func TestLoadWithoutOperatorRejectsSchemaMismatch(t *testing.T) {
	h := newHarness(t)
	clip := writeClip(t, h.dir, 2)

	_, err := h.pipeline.Load(h.ctx, LoadRequest{
		Resource: clip,
		Database: "crm",
		Table:    "frame_sizes",
		ReadSchema: schema.MustNew(
			schema.Column{Name: reader.FrameID, Kind: schema.KindInt},
			schema.Column{Name: reader.FrameData, Kind: schema.KindBytes},
		),
	})
	require.Error(t, err)
	assert.True(t, errors.IsSchemaMismatch(err))
}

const gpuOperator = `
def _upper(rows):
    return [{"id": r["id"], "name": r["name"].upper()} for r in rows]

upper = operator(name = "upper", apply = _upper, requires_gpu = True)
`

func TestLoadOperatorRequiringGPU(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx
	unit := h.write(t, "upper.star", gpuOperator)
	path := h.write(t, "users.csv", "id,name\n1,ann\n")
	req := LoadRequest{Resource: path, Database: "crm", Table: "users", OperatorFile: unit}

	_, err := h.pipeline.Load(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.IsUnsupported(err))

	withGPU := newHarness(t, WithGPUCheck(func() bool { return true }))
	unit = withGPU.write(t, "upper.star", gpuOperator)
	req.Resource = withGPU.write(t, "users.csv", "id,name\n1,ann\n")
	req.OperatorFile = unit
	res, err := withGPU.pipeline.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, []interface{}{int64(1), "ANN"}, withGPU.rows(t, "users")[0])
}

func TestLoadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	_, err := h.pipeline.Load(ctx, LoadRequest{Resource: "x.csv", Database: "crm", Table: "orders"})
	assert.True(t, errors.IsNotFound(err))

	_, err = h.pipeline.Load(ctx, LoadRequest{Resource: filepath.Join(h.dir, "missing.csv"), Database: "crm", Table: "users"})
	assert.True(t, errors.IsLocationNotFound(err))

	_, err = h.pipeline.Load(ctx, LoadRequest{Resource: "x.csv", Database: "crm", Table: "users", Operator: "builtin.nope"})
	assert.True(t, errors.IsNotFound(err))

	_, err = h.pipeline.Load(ctx, LoadRequest{
		Resource: "x.csv", Database: "crm", Table: "users",
		Operator: "builtin.identity", OperatorFile: "op.star",
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestInsert(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	n, err := h.pipeline.Insert(ctx, InsertRequest{
		Database: "crm",
		Table:    "users",
		Columns:  []string{"name", "id"},
		Values:   []interface{}{"ann", "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.pipeline.Insert(ctx, InsertRequest{Database: "crm", Table: "users", Columns: []string{"id"}, Values: []interface{}{int64(8)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := h.rows(t, "users")
	require.Len(t, rows, 2)
	assert.Equal(t, []interface{}{int64(7), "ann"}, rows[0])
	assert.Equal(t, []interface{}{int64(8), nil}, rows[1])
}

func TestInsertFailuresReportZeroRows(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	tests := []struct {
		name  string
		req   InsertRequest
		check func(error) bool
	}{
		{
			name:  "media table",
			req:   InsertRequest{Database: "crm", Table: "frame_sizes", Columns: []string{"id"}, Values: []interface{}{int64(1)}},
			check: errors.IsUnsupported,
		},
		{
			name:  "unknown table",
			req:   InsertRequest{Database: "crm", Table: "orders"},
			check: errors.IsNotFound,
		},
		{
			name:  "unknown column",
			req:   InsertRequest{Database: "crm", Table: "users", Columns: []string{"age"}, Values: []interface{}{int64(1)}},
			check: errors.IsSchemaMismatch,
		},
		{
			name: "value count",
			req:  InsertRequest{Database: "crm", Table: "users", Columns: []string{"id", "name"}, Values: []interface{}{int64(1)}},
			check: func(err error) bool {
				return errors.IsType(err, errors.ErrorTypeValidation)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := h.pipeline.Insert(ctx, tt.req)
			require.Error(t, err)
			assert.Zero(t, n)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}
