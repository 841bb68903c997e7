// Package datastore manages the per-host SQLite files that back each worker.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Schema is the create-if-not-exists statement every worker store carries.
const Schema = `CREATE TABLE IF NOT EXISTS URL (shortURL TEXT PRIMARY KEY, longURL TEXT);`

// FileName is the store file name for host, keyed by the host's identifier.
func FileName(host string) string { return host + ".sqlite" }

// PathFor joins dir and the store file name for host.
func PathFor(dir, host string) string { return filepath.Join(dir, FileName(host)) }

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Ensure creates the store at path if it does not exist and applies Schema.
// Calling it again is a no-op.
func Ensure(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema to %s: %w", path, err)
	}
	return nil
}

// CountURLs opens an existing store read-only and returns its row count.
func CountURLs(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	db, err := open("file:" + path + "?mode=ro")
	if err != nil {
		return 0, err
	}
	defer db.Close()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM URL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", path, err)
	}
	return n, nil
}
