package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/fleetd/internal/datastore"
)

type staticHosts []string

func (s staticHosts) Load() ([]string, error) { return s, nil }

// fakePuller serves stores from a source directory, keyed by remote path base name.
type fakePuller struct {
	mu    sync.Mutex
	src   string
	fail  map[string]bool
	calls []string
}

func (p *fakePuller) Pull(ctx context.Context, host, remotePath, localPath string) (int64, error) {
	p.mu.Lock()
	p.calls = append(p.calls, host+":"+remotePath)
	fail := p.fail[host]
	p.mu.Unlock()
	if fail {
		return 0, errors.New("unreachable")
	}
	data, err := os.ReadFile(filepath.Join(p.src, filepath.Base(remotePath)))
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return 0, err
	}
	return int64(len(data)), os.WriteFile(localPath, data, 0600)
}

func TestOnceCopiesAndVerifies(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := datastore.Ensure(ctx, datastore.PathFor(src, "h1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	dst := t.TempDir()
	p := &fakePuller{src: src, fail: map[string]bool{"h2": true}}
	b, err := New(staticHosts{"h1", "h2"}, p, "/virtual/{{.Host}}.sqlite", dst, 0, time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	results, err := b.Once(ctx)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Rows != 0 || results[0].Bytes == 0 {
		t.Fatalf("unexpected h1 result %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatalf("expected h2 failure")
	}
	if _, err := os.Stat(datastore.PathFor(dst, "h1")); err != nil {
		t.Fatalf("backup copy missing: %v", err)
	}
	if p.calls[0] != "h1:/virtual/h1.sqlite" {
		t.Fatalf("unexpected remote path %q", p.calls[0])
	}
}

func TestOnceRejectsCorruptCopy(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "h1.sqlite"), []byte("not a database"), 0600); err != nil {
		t.Fatal(err)
	}
	b, err := New(staticHosts{"h1"}, &fakePuller{src: src}, "/virtual/{{.Host}}.sqlite", t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	results, err := b.Once(ctx)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if results[0].Err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestNewRejectsBadTemplate(t *testing.T) {
	if _, err := New(staticHosts{}, &fakePuller{}, "{{.Host", t.TempDir(), 0, 0); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	b, err := New(staticHosts{}, &fakePuller{}, "/virtual/{{.Host}}.sqlite", t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b, err := New(staticHosts{}, &fakePuller{}, "/virtual/{{.Host}}.sqlite", t.TempDir(), 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
