package reader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/reader/framecodec"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idSchema = schema.MustNew(schema.Column{Name: "id", Kind: schema.KindInt})

func fixedSize(n int64) SizeFunc {
	return func([]interface{}) int64 { return n }
}

func idRows(n int) [][]interface{} {
	rows := make([][]interface{}, n)
	for i := range rows {
		rows[i] = []interface{}{int64(i)}
	}
	return rows
}

func ids(t *testing.T, batches ...*batch.Batch) []int64 {
	t.Helper()
	var out []int64
	for _, b := range batches {
		col, err := b.Column("id")
		require.NoError(t, err)
		for _, v := range col {
			out = append(out, v.(int64))
		}
	}
	return out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	return testutil.WriteFile(t, t.TempDir(), name, content)
}

func TestBatchDivision(t *testing.T) {
	tests := []struct {
		name     string
		budget   int64
		batches  int
		lastRows int
	}{
		{"exact multiple", 100, 5, 10},
		{"remainder", 70, 8, 1},
		{"row larger than budget", 5, 50, 1},
		{"everything fits", 10_000, 1, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FromRows("test", NewSliceSource(idRows(50)), idSchema, tt.budget, Options{RowSize: fixedSize(10)})
			defer r.Close()

			batches := testutil.Drain(t, r)
			require.Len(t, batches, tt.batches)
			assert.Equal(t, tt.lastRows, batches[len(batches)-1].Len())

			want := make([]int64, 50)
			for i := range want {
				want[i] = int64(i)
			}
			assert.Equal(t, want, ids(t, batches...))
		})
	}
}

func TestEndOfStreamIsSticky(t *testing.T) {
	r := FromRows("test", NewSliceSource(nil), idSchema, 100, Options{})
	for i := 0; i < 3; i++ {
		_, err := r.Next(context.Background())
		assert.Equal(t, io.EOF, err)
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Next(context.Background())
	assert.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	r := FromRows("test", NewSliceSource(idRows(3)), idSchema, 100, Options{})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Next(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))

	assert.Equal(t, []int64{0, 1, 2}, ids(t, testutil.Drain(t, r)...))
}

const csvFixture = "id,name,score,extra\n" +
	"1,a,1.5,x\n" +
	"2,b,,y\n" +
	"x,c,3.0,z\n" +
	"4,d,4.5,w\n" +
	"5,,5.5,v\n"

var csvSchema = schema.MustNew(
	schema.Column{Name: "score", Kind: schema.KindFloat},
	schema.Column{Name: "id", Kind: schema.KindInt},
	schema.Column{Name: "name", Kind: schema.KindString},
)

func TestCSVParseErrorKeepsReaderUsable(t *testing.T) {
	path := writeFile(t, "rows.csv", csvFixture)
	r, err := Open(context.Background(), path, csvSchema, DefaultBudget)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsParse(err))
	resource, line, offset, ok := Position(err)
	require.True(t, ok)
	assert.Equal(t, path, resource)
	assert.Equal(t, int64(4), line)
	assert.Equal(t, int64(37), offset)

	b, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4, 5}, ids(t, b))
	assert.Equal(t, []interface{}{nil, int64(2), "b"}, b.Row(1))
	assert.Equal(t, []interface{}{5.5, int64(5), nil}, b.Row(3))

	_, err = r.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestCSVOptions(t *testing.T) {
	path := writeFile(t, "rows.data", "# comment\nid;name\n1;NA\n2;bob\n")
	_, err := Open(context.Background(), path, idSchema, DefaultBudget)
	require.Error(t, err)
	assert.True(t, errors.IsUnsupported(err))

	sch := schema.MustNew(
		schema.Column{Name: "id", Kind: schema.KindInt},
		schema.Column{Name: "name", Kind: schema.KindString},
	)
	r, err := Open(context.Background(), path, sch, DefaultBudget,
		WithFormat("csv"), WithDelimiter(';'), WithComment('#'), WithNullToken("NA"))
	require.NoError(t, err)
	defer r.Close()

	batches := testutil.Drain(t, r)
	require.Len(t, batches, 1)
	assert.Equal(t, []interface{}{int64(1), nil}, batches[0].Row(0))
	assert.Equal(t, []interface{}{int64(2), "bob"}, batches[0].Row(1))
}

func TestCSVOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), idSchema, DefaultBudget)
	assert.True(t, errors.IsLocationNotFound(err))

	path := writeFile(t, "rows.csv", "name\nalice\n")
	_, err = Open(context.Background(), path, idSchema, DefaultBudget)
	assert.True(t, errors.IsSchemaMismatch(err))

	empty := writeFile(t, "empty.csv", "")
	_, err = Open(context.Background(), empty, idSchema, DefaultBudget)
	assert.True(t, errors.IsParse(err))

	_, err = Open(context.Background(), path, idSchema, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Open(context.Background(), path, schema.Schema{}, DefaultBudget)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCSVFieldCountMismatch(t *testing.T) {
	path := writeFile(t, "rows.tsv", "id\tname\n1\ta\n2\n3\tc\n")
	r, err := Open(context.Background(), path, idSchema, DefaultBudget)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(context.Background())
	require.True(t, errors.IsParse(err))
	_, line, _, _ := Position(err)
	assert.Equal(t, int64(3), line)

	assert.Equal(t, []int64{1, 3}, ids(t, testutil.Drain(t, r)...))
}

func TestJSONLines(t *testing.T) {
	path := writeFile(t, "rows.jsonl", `{"id": 1, "name": "a", "ignored": true}

{"id": 2}
{"id": "three"}
not json
{"id": 4.0, "name": "d"}
{"id": 5} {"id": 6}
{"id": 7}garbage
{"id": 1e19}
{"id": 8}
`)
	sch := schema.MustNew(
		schema.Column{Name: "id", Kind: schema.KindInt},
		schema.Column{Name: "name", Kind: schema.KindString},
	)
	r, err := Open(context.Background(), path, sch, DefaultBudget)
	require.NoError(t, err)
	defer r.Close()

	var got []*batch.Batch
	var lines []int64
	for {
		b, err := r.Next(context.Background())
		if err == io.EOF {
			break
		}
		if errors.IsParse(err) {
			_, line, _, _ := Position(err)
			lines = append(lines, line)
			continue
		}
		require.NoError(t, err)
		got = append(got, b)
	}
	assert.Equal(t, []int64{4, 5, 7, 8, 9}, lines)
	assert.Equal(t, []int64{1, 2, 4, 8}, ids(t, got...))
	assert.Equal(t, []interface{}{int64(2), nil}, got[0].Row(1))
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
	}
	return testutil.WriteQFV(t, t.TempDir(), "clip.qfv", framecodec.Info{Width: 2, Height: 2, FPS: 10}, frames...)
}

func TestFrameReader(t *testing.T) {
	path := writeFrames(t, 10)
	sch := schema.MustNew(
		schema.Column{Name: FrameID, Kind: schema.KindInt},
		schema.Column{Name: FrameData, Kind: schema.KindBytes},
		schema.Column{Name: FrameTimestamp, Kind: schema.KindFloat},
		schema.Column{Name: FrameVideo, Kind: schema.KindString},
		schema.Column{Name: FrameWidth, Kind: schema.KindInt},
	)

	r, err := Open(context.Background(), path, sch, DefaultBudget, WithSampleEvery(3))
	require.NoError(t, err)
	defer r.Close()

	batches := testutil.Drain(t, r)
	require.Len(t, batches, 1)
	assert.Equal(t, []int64{0, 3, 6, 9}, ids(t, batches...))
	assert.Equal(t, []interface{}{int64(3), []byte{3, 3, 3, 3}, 0.3, "clip.qfv", int64(2)}, batches[0].Row(1))
}

func TestFrameReaderBudget(t *testing.T) {
	path := writeFrames(t, 10)
	r, err := Open(context.Background(), path, FrameSchema, 1)
	require.NoError(t, err)
	defer r.Close()

	batches := testutil.Drain(t, r)
	assert.Len(t, batches, 10)
}

func TestFrameReaderSchemaErrors(t *testing.T) {
	path := writeFrames(t, 1)

	bad := schema.MustNew(schema.Column{Name: "label", Kind: schema.KindString})
	_, err := Open(context.Background(), path, bad, DefaultBudget)
	assert.True(t, errors.IsSchemaMismatch(err))

	wrongKind := schema.MustNew(schema.Column{Name: FrameData, Kind: schema.KindString})
	_, err = Open(context.Background(), path, wrongKind, DefaultBudget)
	assert.True(t, errors.IsSchemaMismatch(err))

	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "none.qfv"), FrameSchema, DefaultBudget)
	assert.True(t, errors.IsLocationNotFound(err))
}

// countingSource counts rows handed out and records Close
type countingSource struct {
	rows   [][]interface{}
	pulled int64
	closed atomic.Bool
}

func (s *countingSource) NextRow(ctx context.Context) ([]interface{}, error) {
	n := atomic.AddInt64(&s.pulled, 1)
	if int(n) > len(s.rows) {
		return nil, io.EOF
	}
	return s.rows[n-1], nil
}

func (s *countingSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestPrefetchPreservesOrder(t *testing.T) {
	src := &countingSource{rows: idRows(25)}
	r := NewPrefetcher(context.Background(),
		FromRows("test", src, idSchema, 30, Options{RowSize: fixedSize(10)}))

	batches := testutil.Drain(t, r)
	require.Len(t, batches, 9)
	assert.Len(t, ids(t, batches...), 25)
	assert.Equal(t, int64(0), ids(t, batches[0])[0])
	assert.Equal(t, int64(24), ids(t, batches[8])[0])

	_, err := r.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	require.NoError(t, r.Close())
	assert.True(t, src.closed.Load())
}

func TestPrefetchLookaheadIsOneBatch(t *testing.T) {
	src := &countingSource{rows: idRows(100)}
	r := NewPrefetcher(context.Background(),
		FromRows("test", src, idSchema, 10, Options{RowSize: fixedSize(10)}))
	defer r.Close()

	b, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ids(t, b))

	// batch 1 consumed, batch 2 prefetched; reading batch 2 pulls row 3 as pending
	testutil.AssertEventually(t, func() bool { return atomic.LoadInt64(&src.pulled) == 3 }, time.Second,
		"prefetcher did not read ahead")
	assert.Never(t, func() bool { return atomic.LoadInt64(&src.pulled) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

// blockingSource blocks until its context is canceled
type blockingSource struct {
	started chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func (s *blockingSource) NextRow(ctx context.Context) ([]interface{}, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestPrefetchCloseStopsTaskAndReleases(t *testing.T) {
	src := &blockingSource{started: make(chan struct{})}
	r := NewPrefetcher(context.Background(), FromRows("test", src, idSchema, 10, Options{}))

	<-src.started
	require.NoError(t, r.Close())
	assert.True(t, src.closed.Load())

	_, err := r.Next(context.Background())
	assert.Error(t, err)
}

func TestPrefetchForwardsParseErrors(t *testing.T) {
	path := writeFile(t, "rows.csv", csvFixture)
	r, err := Open(context.Background(), path, csvSchema, DefaultBudget, WithPrefetch(true))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(context.Background())
	assert.True(t, errors.IsParse(err))

	b, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4, 5}, ids(t, b))

	_, err = r.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	factory := func(ctx context.Context, locator string, sch schema.Schema, opts Options) (RowSource, error) {
		return NewSliceSource(idRows(2)), nil
	}
	require.NoError(t, reg.Register("mem", []string{".MEM"}, factory))
	assert.Error(t, reg.Register("mem", nil, factory))
	assert.Error(t, reg.Register("other", []string{"mem"}, factory))
	assert.Equal(t, []string{"mem"}, reg.Formats())

	r, err := reg.Open(context.Background(), "x.mem", idSchema, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, ids(t, testutil.Drain(t, r)...))

	_, err = reg.Open(context.Background(), "x.mem", idSchema, 100, WithFormat("nope"))
	assert.True(t, errors.IsUnsupported(err))

	assert.Subset(t, Formats(), []string{"csv", "tsv", "jsonl", "frames"})
}

func TestAutoBudget(t *testing.T) {
	b, err := AutoBudget(0.1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b, MinAutoBudget)
	assert.LessOrEqual(t, b, MaxAutoBudget)

	for _, fraction := range []float64{0, -0.5, 1.5} {
		_, err = AutoBudget(fraction)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), fraction)
	}
	assert.Equal(t, MinAutoBudget, clampBudget(1))
	assert.Equal(t, MaxAutoBudget, clampBudget(MaxAutoBudget*2))
}

func TestGeneratePath(t *testing.T) {
	dir := t.TempDir()
	first, err := GeneratePath(dir, "clip.qfv")
	require.NoError(t, err)
	second, err := GeneratePath(dir, "clip.qfv")
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(first))
	assert.Equal(t, dir, filepath.Dir(first))
	assert.Equal(t, ".qfv", filepath.Ext(first))
	assert.True(t, strings.HasPrefix(filepath.Base(first), "clip-"))
	assert.NotEqual(t, first, second)

	rel, err := GeneratePath("datasets", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(rel))

	_, err = GeneratePath("", "clip.qfv")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestStage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "datasets")
	path, err := Stage(context.Background(), dir, "rows.jsonl", strings.NewReader(`{"id": 1}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	sch := schema.MustNew(schema.Column{Name: "id", Kind: schema.KindInt})
	r, err := Open(context.Background(), path, sch, DefaultBudget)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []int64{1}, ids(t, testutil.Drain(t, r)...))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Stage(ctx, dir, "rows.jsonl", strings.NewReader("data"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
