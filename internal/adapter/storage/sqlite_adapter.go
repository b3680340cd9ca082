package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name: "sqlite3",
	// SQLite has no row locks; BEGIN IMMEDIATE takes the database write
	// lock up front, which serializes adjustments.
	lockSuffix: "",
	conflict: func(err error) bool {
		var se sqlite3.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sweets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			initial_quantity INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS adjustments (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			sweet_id INTEGER NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adjustments_sweet ON adjustments(sweet_id, seq)`,
	},
}

// OpenSQLite opens (or creates) a database file in WAL mode with immediate
// transactions. A single connection is kept so writers queue in the pool
// instead of failing with SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteAdapter(db *sqlx.DB) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: sqliteDialect}
}
