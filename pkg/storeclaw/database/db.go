// Package database is the SQL persistence of storeclaw: message history,
// the product catalog, orders, carts and alerts. It runs on SQLite (cgo or
// pure Go driver) or PostgreSQL through database/sql.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// timeNow is replaced in tests.
var timeNow = time.Now

// DB is an open application database.
type DB struct {
	*sql.DB
	backend BackendType
	logger  *slog.Logger
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch cfg.Backend {
	case BackendSQLite:
		sqlDB, err = openSQLite(cfg)
	case BackendPostgreSQL:
		sqlDB, err = openPostgreSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, backend: cfg.Backend, logger: logger.With("component", "database")}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.logger.Info("database ready", "backend", cfg.Backend)
	return db, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	var dsn string
	switch cfg.Driver {
	case "sqlite3":
		dsn = fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
			cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	case "sqlite":
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
			cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	// One writer at a time; transactions never wait on each other's locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openPostgreSQL(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgresql backend requires a dsn")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgresql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgresql: %w", err)
	}
	return db, nil
}

// Backend returns the backend type.
func (db *DB) Backend() BackendType { return db.backend }

// Rebind rewrites ? placeholders for the backend.
func (db *DB) Rebind(query string) string {
	if db.backend != BackendPostgreSQL {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// forUpdate returns the row-lock suffix where the backend supports it.
func (db *DB) forUpdate() string {
	if db.backend == BackendPostgreSQL {
		return " FOR UPDATE"
	}
	return ""
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
