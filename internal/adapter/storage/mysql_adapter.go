package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// MySQL error numbers that signal lock contention rather than a fault.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

var mysqlDialect = dialect{
	name:       "mysql",
	lockSuffix: " FOR UPDATE",
	conflict: func(err error) bool {
		var me *mysql.MySQLError
		if !errors.As(err, &me) {
			return false
		}
		return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sweets (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT NOT NULL,
			category VARCHAR(100) NOT NULL,
			price DECIMAL(10,2) NOT NULL CHECK (price >= 0),
			quantity BIGINT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			initial_quantity BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS adjustments (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id CHAR(36) NOT NULL UNIQUE,
			sweet_id BIGINT NOT NULL,
			delta BIGINT NOT NULL,
			reason VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_adjustments_sweet (sweet_id, seq)
		) ENGINE=InnoDB`,
	},
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenMySQL connects and pings the database. The DSN must set parseTime=true.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// NewMySQLAdapter relies on InnoDB row locks (SELECT ... FOR UPDATE) to
// serialize adjustments of the same sweet.
func NewMySQLAdapter(db *sqlx.DB) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: mysqlDialect}
}
