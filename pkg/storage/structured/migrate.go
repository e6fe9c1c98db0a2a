package structured

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package state
var gooseMu sync.Mutex

const duckdbIngestLog = `CREATE TABLE IF NOT EXISTS quasar_ingest_log (
    batch_id   VARCHAR PRIMARY KEY,
    table_name VARCHAR NOT NULL,
    operation  VARCHAR NOT NULL,
    row_count  BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

// migrate creates the bookkeeping tables of the backend
func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	if d.migrations == "" {
		if _, err := db.ExecContext(ctx, duckdbIngestLog); err != nil {
			return fmt.Errorf("create ingest log: %w", err)
		}
		return nil
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.migrations); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/"+d.migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
