package database

import "time"

// BackendType identifies the database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config holds the application database settings.
type Config struct {
	// Backend is "sqlite" (default) or "postgresql".
	Backend BackendType `yaml:"backend" validate:"omitempty,oneof=sqlite postgresql"`

	// Driver selects the SQLite driver: "sqlite3" (cgo, default) or
	// "sqlite" (pure Go).
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite3 sqlite"`

	// Path is the SQLite database file (default: ./data/storeclaw.db).
	Path string `yaml:"path"`

	// JournalMode for SQLite (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout for SQLite in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`

	// DSN is the PostgreSQL connection string (supports ${ENV_VAR} expansion).
	DSN string `yaml:"dsn" env:"STORECLAW_DATABASE_DSN"`

	// Connection pooling (PostgreSQL).
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns a SQLite database under ./data.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendSQLite,
		Driver:      "sqlite3",
		Path:        "./data/storeclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}
