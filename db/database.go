package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Database owns the migrated SQLite connection.
//
//	d, err := db.Open(ctx, "/home/user/.sdstage/history.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//	repo := db.NewRepository(d, nil)
type Database struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates the parent directory, applies pending migrations and
// returns the connection.
func Open(ctx context.Context, path string) (*Database, error) {
	return OpenWithConfig(ctx, DefaultConnectionConfig(path))
}

// OpenWithConfig is Open with custom connection settings.
func OpenWithConfig(ctx context.Context, config ConnectionConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	if err := MigrateUp(ctx, config.Path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := NewSQLiteConnection(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return &Database{db: conn, path: config.Path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// conn returns the live connection or ErrClosed.
func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// Ping verifies the database connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// Close closes the connection. Closing twice is a no-op.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Shutdown closes the database. It matches core.ShutdownFunc.
func (d *Database) Shutdown(context.Context) error {
	return d.Close()
}
