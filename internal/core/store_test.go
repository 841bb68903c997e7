package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
)

func TestStoreAppendRecent(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "fleetd.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	now := time.Now()
	s.Emit(api.Event{Time: now, RunID: "r1", Cycle: 1, Host: "h1", Outcome: api.OutcomeUp, PID: 42})
	s.Emit(api.Event{Time: now, RunID: "r1", Cycle: 1, Host: "h2", Outcome: api.OutcomeOffline, Kind: api.KindConnection})
	s.Emit(api.Event{Time: now, RunID: "r1", Cycle: 2, Host: "h1", Outcome: api.OutcomeUp, PID: 42})

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].Cycle != 2 {
		t.Fatalf("unexpected events %+v", all)
	}
	h2, err := s.Recent(ctx, "h2", 10)
	if err != nil {
		t.Fatalf("recent h2: %v", err)
	}
	if len(h2) != 1 || h2[0].Outcome != api.OutcomeOffline || h2[0].Kind != api.KindConnection {
		t.Fatalf("unexpected h2 events %+v", h2)
	}
}

func TestNewStoreIsReopenable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "fleetd.db")
	s, err := NewStore(p)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()
	s, err = NewStore(p)
	if err != nil {
		t.Fatalf("migration must be repeatable: %v", err)
	}
	s.Close()
}
