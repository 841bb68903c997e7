// Package supervisor keeps the proxy and the per-host workers alive and
// reconciles the running fleet against the desired-host file.
package supervisor

import (
	"context"
	"sort"

	"github.com/3cpo-dev/fleetd/pkg/api"
)

// Executor runs commands on remote hosts.
type Executor interface {
	// Run waits for command and returns its standard output.
	Run(ctx context.Context, host, command string) (string, error)
	// Start launches command and returns without waiting for it to exit.
	Start(ctx context.Context, host, command string) error
}

// ProcessProbe observes and signals local processes.
type ProcessProbe interface {
	IsAlive(pid int) (bool, error)
	Signal(pid int) error
}

// ProxyLauncher starts the proxy and returns the pid of the real proxy process.
type ProxyLauncher interface {
	LaunchProxy(ctx context.Context, command string) (int, error)
}

// HostStore is the desired-host file.
type HostStore interface {
	Load() ([]string, error)
	Save(hosts []string) error
	RemoveAndPersist(hosts []string, offline map[string]struct{}) ([]string, error)
}

// EventSink receives every status event the supervisor emits.
type EventSink interface {
	Emit(ev api.Event)
}

// State is the reconciliation loop state.
type State int32

const (
	StateProxyUpScanning State = iota
	StateProxyDown
	StateReconciling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProxyDown:
		return "PROXY_DOWN"
	case StateProxyUpScanning:
		return "PROXY_UP_SCANNING"
	case StateReconciling:
		return "RECONCILING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type hostSet map[string]struct{}

func setOf(hosts []string) hostSet {
	s := make(hostSet, len(hosts))
	for _, h := range hosts {
		s[h] = struct{}{}
	}
	return s
}

func (s hostSet) has(h string) bool {
	_, ok := s[h]
	return ok
}

func setHosts(s hostSet) []string {
	out := make([]string, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// minus returns the distinct members of ordered that are in none of the
// excluded sets, in first-seen order.
func minus(ordered []string, excluded ...hostSet) []string {
	var out []string
	seen := hostSet{}
next:
	for _, h := range ordered {
		if seen.has(h) {
			continue
		}
		for _, ex := range excluded {
			if ex.has(h) {
				continue next
			}
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
