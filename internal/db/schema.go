package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO)
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open opens (or creates) the SQLite database backing the log processor,
// PICS crawler, and cache eraser. The pragmas favor the ingest workload
// rather than a request/response web app: the tail loop commits small
// batches after each chunk it reads while the crawler and cache eraser read and
// write in the background, so WAL plus a generous busy_timeout absorbs
// that contention instead of surfacing SQLITE_BUSY under load.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path +
		"?_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=wal_autocheckpoint(1000)" +
		"&_pragma=cache_size(-16000)"

	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single shared connection: modernc.org/sqlite serializes writers
	// regardless, and keeping one conn stops WAL readers (crawler, eraser
	// progress reads) from starving the tail loop's inserts.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxIdleTime(0)
	sqldb.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return sqldb, nil
}

// ApplyMigrations runs every embedded migrations/*.sql file in lexicographic
// order, each in its own transaction. Embedding them keeps the core binary
// self-contained: no migrations directory has to ship, or be found, next to
// wherever the binary happens to run from. Statements must be idempotent
// (CREATE TABLE/INDEX IF NOT EXISTS) since this runs on every startup.
func ApplyMigrations(ctx context.Context, sqldb *sql.DB) error {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no embedded .sql migrations found")
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, readErr := fs.ReadFile(migrationFiles, filepath.Join("migrations", name))
		if readErr != nil {
			return fmt.Errorf("read %s: %w", name, readErr)
		}

		tx, beginErr := sqldb.BeginTx(ctx, &sql.TxOptions{})
		if beginErr != nil {
			return fmt.Errorf("begin tx for %s: %w", name, beginErr)
		}
		if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec %s: %w", name, execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("commit %s: %w", name, commitErr)
		}
	}
	return nil
}
