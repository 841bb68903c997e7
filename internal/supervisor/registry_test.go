package supervisor

import "testing"

func TestRegistryDeleteIf(t *testing.T) {
	r := NewRegistry()
	r.Set("h1", 11)
	r.Set("h1", 12)
	if r.Len() != 1 {
		t.Fatalf("expected one entry per host")
	}
	if r.DeleteIf("h1", 11) {
		t.Fatalf("stale pid must not delete")
	}
	if !r.DeleteIf("h1", 12) {
		t.Fatalf("current pid must delete")
	}
	if _, ok := r.Get("h1"); ok {
		t.Fatalf("entry still present")
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Set("h2", 2)
	r.Set("h1", 1)
	snap := r.Snapshot()
	snap["h3"] = 3
	if r.Len() != 2 {
		t.Fatalf("snapshot aliased the registry")
	}
	hosts := r.Hosts()
	if len(hosts) != 2 || hosts[0] != "h1" {
		t.Fatalf("hosts not sorted: %v", hosts)
	}
}
