// Package structured implements the storage engine for relational tables on
// top of database/sql. SQLite, DuckDB, PostgreSQL and MySQL are supported.
//
// Every Write or Append runs in one transaction that also records the batch
// in the quasar_ingest_log table, so a batch is either fully stored and
// logged or not stored at all. The table itself is created in that
// transaction too, except on MySQL where DDL commits implicitly: there a
// failed first batch leaves an empty table behind.
package structured

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Drivers lists the supported driver names
func Drivers() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Backend stores structured tables in a SQL database
type Backend struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger

	mu      sync.Mutex
	created map[string]bool
}

// New opens the database described by cfg and prepares its bookkeeping
// tables
func New(ctx context.Context, cfg config.StructuredConfig) (*Backend, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported structured driver %q", cfg.Driver).
			WithDetail("drivers", Drivers())
	}

	db, err := sql.Open(d.driver, d.dsn(cfg.DSN))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to open %s database", d.name)
	}
	maxOpen := cfg.MaxOpenConns
	if d.maxOpen > 0 && (maxOpen == 0 || maxOpen > d.maxOpen) {
		maxOpen = d.maxOpen
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to connect to %s database", d.name)
	}
	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to prepare %s database", d.name)
	}

	b := &Backend{
		db:      db,
		dialect: d,
		logger:  logger.Get().With(zap.String("component", "structured_storage"), zap.String("driver", d.name)),
		created: make(map[string]bool),
	}
	b.logger.Info("structured storage opened", zap.Int("max_open_conns", maxOpen))
	return b, nil
}

func (b *Backend) Kind() storage.Kind { return storage.KindStructured }

func (b *Backend) Capabilities() storage.CapabilitySet {
	return storage.Capabilities(storage.OpInsert, storage.OpAppend, storage.OpScan, storage.OpDrop)
}

// DB exposes the underlying pool
func (b *Backend) DB() *sql.DB { return b.db }

// Write inserts the rows of bat one statement per row
func (b *Backend) Write(ctx context.Context, desc storage.TableDescriptor, bat *batch.Batch) (int, error) {
	return b.store(ctx, desc, bat, storage.OpInsert, 1)
}

// Append inserts bat with multi-row statements
func (b *Backend) Append(ctx context.Context, desc storage.TableDescriptor, bat *batch.Batch) (int, error) {
	return b.store(ctx, desc, bat, storage.OpAppend, b.dialect.chunkRows(desc.Schema.Len()))
}

func (b *Backend) store(ctx context.Context, desc storage.TableDescriptor, bat *batch.Batch, op storage.Operation, chunk int) (int, error) {
	bat, err := storage.Conform(desc, bat)
	if err != nil {
		return 0, err
	}
	if bat.Len() == 0 {
		return 0, nil
	}
	table := b.dialect.tableName(desc.Database, desc.Name)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbError(ctx, err, "failed to begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	created, err := b.ensureTable(ctx, tx, table, desc.Schema)
	if err != nil {
		return 0, err
	}

	rows := make([][]interface{}, 0, bat.Len())
	bat.Each(func(_ int, row []interface{}) bool {
		rows = append(rows, row)
		return true
	})

	full := b.dialect.insert(table, desc.Schema, chunk)
	stmt, err := tx.PrepareContext(ctx, full)
	if err != nil {
		return 0, dbError(ctx, err, fmt.Sprintf("failed to prepare insert into %s", desc.QualifiedName()))
	}
	defer stmt.Close()

	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		args := make([]interface{}, 0, (end-start)*desc.Schema.Len())
		for _, row := range rows[start:end] {
			args = append(args, row...)
		}
		if end-start == chunk {
			_, err = stmt.ExecContext(ctx, args...)
		} else {
			_, err = tx.ExecContext(ctx, b.dialect.insert(table, desc.Schema, end-start), args...)
		}
		if err != nil {
			return 0, dbError(ctx, err, fmt.Sprintf("failed to insert into %s", desc.QualifiedName())).
				WithDetail("table", desc.QualifiedName())
		}
	}

	batchID := uuid.NewString()
	logInsert := fmt.Sprintf("INSERT INTO quasar_ingest_log (batch_id, table_name, operation, row_count, created_at) VALUES (%s, %s, %s, %s, %s)",
		b.dialect.bind(1), b.dialect.bind(2), b.dialect.bind(3), b.dialect.bind(4), b.dialect.bind(5))
	if _, err := tx.ExecContext(ctx, logInsert, batchID, desc.QualifiedName(), op.String(), int64(len(rows)), time.Now().UTC()); err != nil {
		return 0, dbError(ctx, err, "failed to record batch")
	}
	if err := tx.Commit(); err != nil {
		return 0, dbError(ctx, err, "failed to commit batch")
	}
	committed = true
	if created {
		b.mu.Lock()
		b.created[table] = true
		b.mu.Unlock()
	}

	b.logger.Debug("batch committed",
		zap.String("table", desc.QualifiedName()),
		zap.String("batch_id", batchID),
		zap.Int("rows", len(rows)))
	return len(rows), nil
}

// ensureTable creates table unless this backend already did. It reports
// whether the DDL ran, so the caller can remember the table once its
// transaction commits.
func (b *Backend) ensureTable(ctx context.Context, tx *sql.Tx, table string, s schema.Schema) (bool, error) {
	b.mu.Lock()
	known := b.created[table]
	b.mu.Unlock()
	if known {
		return false, nil
	}

	ddl := b.dialect.createTable(table, s)
	var err error
	if b.dialect.transactionalDDL {
		_, err = tx.ExecContext(ctx, ddl)
	} else {
		_, err = b.db.ExecContext(ctx, ddl)
	}
	if err != nil {
		return false, dbError(ctx, err, fmt.Sprintf("failed to create table %s", table))
	}
	return true, nil
}

// Scan reads the table back in insertion order where the engine keeps it
func (b *Backend) Scan(ctx context.Context, desc storage.TableDescriptor, budget int64) (reader.Reader, error) {
	if budget <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "budget must be positive, got %d", budget)
	}
	table := b.dialect.tableName(desc.Database, desc.Name)
	rows, err := b.db.QueryContext(ctx, b.dialect.selectAll(table, desc.Schema))
	if err != nil {
		return nil, dbError(ctx, err, fmt.Sprintf("failed to scan %s", desc.QualifiedName()))
	}
	src := &rowSource{rows: rows, schema: desc.Schema}
	return reader.FromRows("structured", src, desc.Schema, budget, reader.Options{}), nil
}

// Drop removes the table and its ingest log entries. Dropping a missing
// table succeeds.
func (b *Backend) Drop(ctx context.Context, desc storage.TableDescriptor) error {
	table := b.dialect.tableName(desc.Database, desc.Name)
	if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return dbError(ctx, err, fmt.Sprintf("failed to drop %s", desc.QualifiedName()))
	}
	b.mu.Lock()
	delete(b.created, table)
	b.mu.Unlock()
	forget := fmt.Sprintf("DELETE FROM quasar_ingest_log WHERE table_name = %s", b.dialect.bind(1))
	if _, err := b.db.ExecContext(ctx, forget, desc.QualifiedName()); err != nil {
		return dbError(ctx, err, fmt.Sprintf("failed to clear ingest log of %s", desc.QualifiedName()))
	}
	b.logger.Info("table dropped", zap.String("table", desc.QualifiedName()))
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Close()
}

// LogEntry is one committed batch
type LogEntry struct {
	BatchID   string
	Table     string
	Operation string
	Rows      int64
	CreatedAt time.Time
}

// IngestLog lists the batches committed to table, oldest first
func (b *Backend) IngestLog(ctx context.Context, table string) ([]LogEntry, error) {
	q := fmt.Sprintf("SELECT batch_id, table_name, operation, row_count, created_at FROM quasar_ingest_log WHERE table_name = %s ORDER BY created_at",
		b.dialect.bind(1))
	rows, err := b.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, dbError(ctx, err, "failed to read ingest log")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.BatchID, &e.Table, &e.Operation, &e.Rows, &e.CreatedAt); err != nil {
			return nil, dbError(ctx, err, "failed to read ingest log")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(ctx, err, "failed to read ingest log")
	}
	return entries, nil
}

func dbError(ctx context.Context, err error, msg string) *errors.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.Wrap(ctxErr, errors.ErrorTypeTimeout, msg)
		}
		return errors.Wrap(ctxErr, errors.ErrorTypeCanceled, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeInternal, msg)
}

// rowSource converts driver values to the kinds of the table schema
type rowSource struct {
	rows   *sql.Rows
	schema schema.Schema
}

func (s *rowSource) NextRow(ctx context.Context) ([]interface{}, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, dbError(ctx, err, "failed to read row")
		}
		return nil, io.EOF
	}
	n := s.schema.Len()
	values := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, dbError(ctx, err, "failed to read row")
	}
	for i, c := range s.schema.Columns() {
		v := values[i]
		if raw, ok := v.([]byte); ok && c.Kind != schema.KindBytes {
			v = string(raw)
		}
		coerced, err := schema.Coerce(c.Kind, v)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "column %q", c.Name)
		}
		values[i] = coerced
	}
	return values, nil
}

func (s *rowSource) Close() error { return s.rows.Close() }

var _ storage.Backend = (*Backend)(nil)
