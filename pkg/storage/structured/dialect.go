package structured

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/schema"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures what differs between the supported SQL engines
type dialect struct {
	name string
	// driver is the database/sql driver name
	driver string
	// migrations names the embedded goose directory. Empty means the
	// bookkeeping table is created with plain DDL.
	migrations string
	types      map[schema.Kind]string
	quote      func(string) string
	bind       func(n int) string
	// maxParams bounds the placeholders of one statement
	maxParams int
	// scanOrder keeps scans in insertion order where the engine has a
	// stable row identity
	scanOrder string
	dsn       func(string) string
	maxOpen   int

	// transactionalDDL is false where CREATE TABLE commits implicitly
	transactionalDDL bool
}

func doubleQuote(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func backtick(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" }

func question(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func plainDSN(dsn string) string { return dsn }

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driver:     "sqlite3",
		migrations: "sqlite3",
		types: map[schema.Kind]string{
			schema.KindInt:       "INTEGER",
			schema.KindFloat:     "REAL",
			schema.KindString:    "TEXT",
			schema.KindBool:      "BOOLEAN",
			schema.KindBytes:     "BLOB",
			schema.KindTimestamp: "TIMESTAMP",
		},
		quote:     doubleQuote,
		bind:      question,
		maxParams: 999,
		scanOrder: "rowid",
		dsn:       sqliteDSN,
		// one writer keeps sqlite transactions from tripping over each other
		maxOpen: 1,

		transactionalDDL: true,
	},
	"duckdb": {
		name:   "duckdb",
		driver: "duckdb",
		types: map[schema.Kind]string{
			schema.KindInt:       "BIGINT",
			schema.KindFloat:     "DOUBLE",
			schema.KindString:    "VARCHAR",
			schema.KindBool:      "BOOLEAN",
			schema.KindBytes:     "BLOB",
			schema.KindTimestamp: "TIMESTAMP",
		},
		quote:     doubleQuote,
		bind:      question,
		maxParams: 2048,
		scanOrder: "rowid",
		dsn:       plainDSN,

		transactionalDDL: true,
	},
	"postgres": {
		name:       "postgres",
		driver:     "pgx",
		migrations: "postgres",
		types: map[schema.Kind]string{
			schema.KindInt:       "BIGINT",
			schema.KindFloat:     "DOUBLE PRECISION",
			schema.KindString:    "TEXT",
			schema.KindBool:      "BOOLEAN",
			schema.KindBytes:     "BYTEA",
			schema.KindTimestamp: "TIMESTAMPTZ",
		},
		quote:     doubleQuote,
		bind:      dollar,
		maxParams: 65535,
		dsn:       plainDSN,

		transactionalDDL: true,
	},
	"mysql": {
		name:       "mysql",
		driver:     "mysql",
		migrations: "mysql",
		types: map[schema.Kind]string{
			schema.KindInt:       "BIGINT",
			schema.KindFloat:     "DOUBLE",
			schema.KindString:    "TEXT",
			schema.KindBool:      "BOOLEAN",
			schema.KindBytes:     "LONGBLOB",
			schema.KindTimestamp: "DATETIME(6)",
		},
		quote:     backtick,
		bind:      question,
		maxParams: 65535,
		dsn:       mysqlDSN,
	},
}

// sqliteDSN adds the pragmas the backend relies on unless the DSN sets
// them already
func sqliteDSN(dsn string) string {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	defaults := map[string]string{
		"_journal_mode": "WAL",
		"_busy_timeout": "5000",
		"_synchronous":  "NORMAL",
		"_foreign_keys": "on",
		"_txlock":       "immediate",
	}
	for k, v := range defaults {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	return path + "?" + q.Encode()
}

// mysqlDSN asks the driver for time.Time values
func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

func (d dialect) tableName(database, name string) string {
	if database == "" {
		return d.quote(name)
	}
	return d.quote(database + "__" + name)
}

func (d dialect) createTable(table string, s schema.Schema) string {
	cols := make([]string, s.Len())
	for i, c := range s.Columns() {
		cols[i] = d.quote(c.Name) + " " + d.types[c.Kind]
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", "))
}

// insert builds an INSERT of rows value tuples
func (d dialect) insert(table string, s schema.Schema, rows int) string {
	cols := make([]string, s.Len())
	for i, name := range s.Names() {
		cols[i] = d.quote(name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < s.Len(); c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.bind(n))
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func (d dialect) selectAll(table string, s schema.Schema) string {
	cols := make([]string, s.Len())
	for i, name := range s.Names() {
		cols[i] = d.quote(name)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if d.scanOrder != "" {
		q += " ORDER BY " + d.scanOrder
	}
	return q
}

// chunkRows returns how many rows fit in one multi-row INSERT
func (d dialect) chunkRows(columns int) int {
	if columns <= 0 {
		return 1
	}
	n := d.maxParams / columns
	if n < 1 {
		return 1
	}
	if n > 500 {
		n = 500
	}
	return n
}
