package structured

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var users = storage.TableDescriptor{
	Name:     "users",
	Database: "crm",
	Kind:     storage.KindStructured,
	Schema: schema.MustNew(
		schema.Column{Name: "id", Kind: schema.KindInt},
		schema.Column{Name: "name", Kind: schema.KindString},
		schema.Column{Name: "score", Kind: schema.KindFloat},
	),
}

func newSQLite(t *testing.T) *Backend {
	t.Helper()
	testutil.UseTestLogger(t)
	b, err := New(context.Background(), config.StructuredConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "quasar.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func userBatch(t *testing.T, ids ...int64) *batch.Batch {
	t.Helper()
	rows := make([][]interface{}, len(ids))
	for i, id := range ids {
		rows[i] = []interface{}{id, "user", float64(id) * 1.5}
	}
	b, err := batch.New(users.Schema, rows...)
	require.NoError(t, err)
	return b
}

func scanAll(t *testing.T, b *Backend, desc storage.TableDescriptor) [][]interface{} {
	t.Helper()
	r, err := b.Scan(context.Background(), desc, reader.DefaultBudget)
	require.NoError(t, err)
	defer r.Close()
	return testutil.Rows(t, r)
}

func TestWriteAndScan(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	n, err := b.Write(ctx, users, userBatch(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Append(ctx, users, userBatch(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := scanAll(t, b, users)
	require.Len(t, rows, 3)
	assert.Equal(t, []interface{}{int64(1), "user", 1.5}, rows[0])
	assert.Equal(t, []interface{}{int64(3), "user", 4.5}, rows[2])

	log, err := b.IngestLog(ctx, "crm.users")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "insert", log[0].Operation)
	assert.Equal(t, int64(2), log[0].Rows)
	assert.Equal(t, "append", log[1].Operation)
}

func TestAppendSpansStatements(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	ids := make([]int64, 1234)
	for i := range ids {
		ids[i] = int64(i)
	}
	n, err := b.Append(ctx, users, userBatch(t, ids...))
	require.NoError(t, err)
	assert.Equal(t, 1234, n)

	rows := scanAll(t, b, users)
	require.Len(t, rows, 1234)
	assert.Equal(t, int64(1233), rows[1233][0])
}

func TestAllKinds(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	desc := storage.TableDescriptor{
		Name: "mixed",
		Kind: storage.KindStructured,
		Schema: schema.MustNew(
			schema.Column{Name: "i", Kind: schema.KindInt},
			schema.Column{Name: "f", Kind: schema.KindFloat},
			schema.Column{Name: "s", Kind: schema.KindString},
			schema.Column{Name: "b", Kind: schema.KindBool},
			schema.Column{Name: "raw", Kind: schema.KindBytes},
			schema.Column{Name: "at", Kind: schema.KindTimestamp},
		),
	}
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	in, err := batch.New(desc.Schema,
		[]interface{}{int64(7), 0.25, "x", true, []byte{1, 2}, at},
		[]interface{}{nil, nil, nil, nil, nil, nil},
	)
	require.NoError(t, err)
	_, err = b.Write(ctx, desc, in)
	require.NoError(t, err)

	rows := scanAll(t, b, desc)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(7), rows[0][0])
	assert.Equal(t, 0.25, rows[0][1])
	assert.Equal(t, "x", rows[0][2])
	assert.Equal(t, true, rows[0][3])
	assert.Equal(t, []byte{1, 2}, rows[0][4])
	require.IsType(t, time.Time{}, rows[0][5])
	assert.True(t, at.Equal(rows[0][5].(time.Time)))
	assert.Equal(t, []interface{}{nil, nil, nil, nil, nil, nil}, rows[1])
}

func TestFailedBatchLeavesNoEffect(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	_, err := b.DB().ExecContext(ctx,
		`CREATE TABLE "crm__users" ("id" INTEGER CHECK ("id" > 0), "name" TEXT, "score" REAL)`)
	require.NoError(t, err)

	_, err = b.Write(ctx, users, userBatch(t, 1))
	require.NoError(t, err)

	for _, store := range []func(context.Context, storage.TableDescriptor, *batch.Batch) (int, error){b.Write, b.Append} {
		n, err := store(ctx, users, userBatch(t, 2, 3, -1, 4))
		require.Error(t, err)
		assert.Equal(t, 0, n)
	}

	rows := scanAll(t, b, users)
	require.Len(t, rows, 1)
	log, err := b.IngestLog(ctx, "crm.users")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestFailedFirstWriteCreatesNoTable(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := newSQLite(t)

	// without the ingest log the batch cannot commit
	_, err := b.DB().ExecContext(ctx, `ALTER TABLE quasar_ingest_log RENAME TO ingest_log_aside`)
	require.NoError(t, err)

	n, err := b.Write(ctx, users, userBatch(t, 1, 2))
	require.Error(t, err)
	assert.Zero(t, n)

	var tables int
	require.NoError(t, b.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'crm__users'`).Scan(&tables))
	assert.Zero(t, tables)

	// the table is created again once the batch can commit
	_, err = b.DB().ExecContext(ctx, `ALTER TABLE ingest_log_aside RENAME TO quasar_ingest_log`)
	require.NoError(t, err)
	n, err = b.Write(ctx, users, userBatch(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, scanAll(t, b, users), 1)
}

func TestCanceledWrite(t *testing.T) {
	b := newSQLite(t)
	_, err := b.Write(context.Background(), users, userBatch(t, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Write(ctx, users, userBatch(t, 2))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
	assert.Len(t, scanAll(t, b, users), 1)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	_, err := b.Write(ctx, users, userBatch(t, 1))
	require.NoError(t, err)

	require.NoError(t, b.Drop(ctx, users))
	require.NoError(t, b.Drop(ctx, users))
	log, err := b.IngestLog(ctx, users.QualifiedName())
	require.NoError(t, err)
	assert.Empty(t, log)

	_, err = b.Scan(ctx, users, reader.DefaultBudget)
	assert.Error(t, err)

	// the table is recreated on the next write
	_, err = b.Write(ctx, users, userBatch(t, 5))
	require.NoError(t, err)
	assert.Len(t, scanAll(t, b, users), 1)
}

func TestScanBudget(t *testing.T) {
	b := newSQLite(t)
	_, err := b.Scan(context.Background(), users, 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCapabilities(t *testing.T) {
	b := newSQLite(t)
	assert.Equal(t, storage.KindStructured, b.Kind())
	for _, op := range []storage.Operation{storage.OpInsert, storage.OpAppend, storage.OpScan, storage.OpDrop} {
		assert.True(t, b.Capabilities().Has(op), op.String())
	}
}

func TestUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.StructuredConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("data/q.db?_busy_timeout=100")
	path, rawQuery, ok := strings.Cut(dsn, "?")
	require.True(t, ok)
	assert.Equal(t, "data/q.db", path)
	q, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	assert.Equal(t, "100", q.Get("_busy_timeout"))
	assert.Equal(t, "WAL", q.Get("_journal_mode"))
	assert.Equal(t, "immediate", q.Get("_txlock"))
}

func TestDialectStatements(t *testing.T) {
	pg := dialects["postgres"]
	s := schema.MustNew(
		schema.Column{Name: "a", Kind: schema.KindInt},
		schema.Column{Name: "b", Kind: schema.KindBytes},
	)
	assert.Equal(t, `INSERT INTO "t" ("a", "b") VALUES ($1, $2), ($3, $4)`, pg.insert(`"t"`, s, 2))
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "db__t" ("a" BIGINT, "b" BYTEA)`,
		pg.createTable(pg.tableName("db", "t"), s))

	my := dialects["mysql"]
	assert.Equal(t, "SELECT `a`, `b` FROM `t`", my.selectAll(my.tableName("", "t"), s))
	assert.Equal(t, "u:p@tcp(h)/db?parseTime=true", mysqlDSN("u:p@tcp(h)/db"))

	assert.Equal(t, 333, dialects["sqlite"].chunkRows(3))
	assert.Equal(t, 500, pg.chunkRows(3))
	assert.Equal(t, []string{"duckdb", "mysql", "postgres", "sqlite"}, Drivers())
}

func TestWriteRejectsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	_, err := b.Write(ctx, users, userBatch(t, 1))
	require.NoError(t, err)

	other := schema.MustNew(
		schema.Column{Name: "id", Kind: schema.KindInt},
		schema.Column{Name: "name", Kind: schema.KindString},
	)
	bad, err := batch.New(other, []interface{}{int64(2), "x"})
	require.NoError(t, err)

	for _, store := range []func(context.Context, storage.TableDescriptor, *batch.Batch) (int, error){b.Write, b.Append} {
		n, err := store(ctx, users, bad)
		require.Error(t, err)
		assert.True(t, errors.IsSchemaMismatch(err))
		assert.Equal(t, 0, n)
	}
	assert.Len(t, scanAll(t, b, users), 1)
}

func TestWriteFromCSV(t *testing.T) {
	b := newSQLite(t)
	ctx := testutil.TestContext(t)
	path := testutil.CreateCSV(t, t.TempDir(), "users.csv", 250)

	r, err := reader.Open(ctx, path, users.Schema, 2048)
	require.NoError(t, err)
	defer r.Close()
	batches := testutil.Drain(t, r)
	require.Greater(t, len(batches), 1)

	total := 0
	for _, bat := range batches {
		n, err := b.Write(ctx, users, bat)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 250, total)

	rows := scanAll(t, b, users)
	require.Len(t, rows, 250)
	assert.Equal(t, []interface{}{int64(249), "user_249", 373.5}, rows[249])

	log, err := b.IngestLog(ctx, users.QualifiedName())
	require.NoError(t, err)
	assert.Len(t, log, len(batches))
}
