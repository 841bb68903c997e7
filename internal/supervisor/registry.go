package supervisor

import (
	"sort"
	"sync"
)

// Registry maps a host to the pid believed to run its worker. The entry
// for api.LocalHost is the proxy. Only the loop adds entries; a retiring
// removal task may drop the entry it was handed.
type Registry struct {
	mu   sync.RWMutex
	pids map[string]int
}

func NewRegistry() *Registry { return &Registry{pids: map[string]int{}} }

func (r *Registry) Set(host string, pid int) {
	r.mu.Lock()
	r.pids[host] = pid
	r.mu.Unlock()
}

func (r *Registry) Get(host string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.pids[host]
	return pid, ok
}

func (r *Registry) Delete(host string) {
	r.mu.Lock()
	delete(r.pids, host)
	r.mu.Unlock()
}

// DeleteIf drops host only while it still maps to pid, so a removal task
// never drops the entry of a worker relaunched after it was scheduled.
func (r *Registry) DeleteIf(host string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pids[host]; ok && cur == pid {
		delete(r.pids, host)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pids)
}

// Snapshot returns a copy of the mapping.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.pids))
	for h, p := range r.pids {
		out[h] = p
	}
	return out
}

// Hosts returns the registered hosts sorted.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pids))
	for h := range r.pids {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
