package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirMode  = 0750
	fileMode = 0600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
)

// DB is the SQLite handle behind the message store.
type DB struct {
	*sql.DB
}

// Config is the database section of the graylink configuration.
type Config struct {
	// Path of the database file. Missing parent directories are created.
	Path string

	// WALMode lets backlog reads run alongside arrival writes.
	WALMode bool

	// BusyTimeout in seconds.
	BusyTimeout int

	// Synchronous is the SQLite synchronous pragma. Empty selects NORMAL.
	// FULL syncs every commit, so stored arrivals survive power loss at
	// the cost of write latency.
	Synchronous string
}

// Open opens or creates the database at cfg.Path and checks it answers.
// The pool is limited to one connection since SQLite has a single writer.
//
// Parameters:
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Open database, not yet migrated
//   - error: If the path is empty, the directory cannot be created or the file cannot be opened
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, fileMode) //nolint:errcheck // File appears on first write

	return &DB{DB: sqlDB}, nil
}

// buildDSN renders the go-sqlite3 connection string. Pragmas go in the
// DSN so every pooled connection gets them.
func buildDSN(cfg Config) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	params.Set("_foreign_keys", "on")
	if cfg.WALMode {
		params.Set("_journal_mode", "WAL")
	}

	sync := strings.ToUpper(cfg.Synchronous)
	if sync == "" {
		sync = "NORMAL"
	}
	params.Set("_synchronous", sync)

	return "file:" + cfg.Path + "?" + params.Encode()
}

// Close closes the database. It is a no-op on a nil handle.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// BeginTx starts a transaction. Callers defer Rollback, which is a no-op
// after Commit.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}
