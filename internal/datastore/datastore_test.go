package datastore

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

func TestEnsureIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := PathFor(dir, "worker1")
	if err := Ensure(ctx, path); err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO URL (shortURL, longURL) VALUES ('abc', 'http://example.com')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	if err := Ensure(ctx, path); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	stores := 0
	for _, e := range entries {
		if e.Name() == FileName("worker1") {
			stores++
		}
	}
	if stores != 1 {
		t.Fatalf("expected exactly one store, got %d", stores)
	}
	n, err := CountURLs(ctx, path)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("second ensure lost data: %d rows", n)
	}
}

func TestCountURLsMissing(t *testing.T) {
	if _, err := CountURLs(context.Background(), PathFor(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing store")
	}
}
