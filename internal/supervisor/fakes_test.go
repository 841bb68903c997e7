package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/fleetd/internal/core"
	"github.com/3cpo-dev/fleetd/internal/hostsfile"
	"github.com/3cpo-dev/fleetd/pkg/api"
)

// fakeWorld simulates the remote hosts: which workers run and which hosts
// answer at all.
type fakeWorld struct {
	mu             sync.Mutex
	nextPID        int
	workers        map[string]int
	unreachable    map[string]bool
	launchFails    map[string]bool
	provisionFails map[string]bool
	// startsSilently launches without the worker showing up in probes.
	startsSilently map[string]bool
	// startsLate launches a worker with the given pid that the first probe
	// after the launch misses.
	startsLate map[string]int
	late       map[string]int
	// onLaunch runs after every successful launch.
	onLaunch func(host string)

	killed      map[string][]int
	provisioned map[string]int
	seeded      map[string]int
	launches    map[string]int
	probes      map[string]int
}

func newWorld() *fakeWorld {
	return &fakeWorld{
		nextPID:        100,
		workers:        map[string]int{},
		unreachable:    map[string]bool{},
		launchFails:    map[string]bool{},
		provisionFails: map[string]bool{},
		startsSilently: map[string]bool{},
		startsLate:     map[string]int{},
		late:           map[string]int{},
		killed:         map[string][]int{},
		provisioned:    map[string]int{},
		seeded:         map[string]int{},
		launches:       map[string]int{},
		probes:         map[string]int{},
	}
}

func (w *fakeWorld) run(host string, pid int) {
	w.mu.Lock()
	w.workers[host] = pid
	w.mu.Unlock()
}

func (w *fakeWorld) Run(_ context.Context, host, command string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unreachable[host] {
		return "", fmt.Errorf("dial %s: %w", host, api.ErrConnection)
	}
	switch {
	case command == "find-worker":
		w.probes[host]++
		if pid, ok := w.workers[host]; ok {
			return strconv.Itoa(pid) + "\n", nil
		}
		if pid, ok := w.late[host]; ok {
			delete(w.late, host)
			w.workers[host] = pid
		}
		return "", fmt.Errorf("exit 1: %w", api.ErrRemoteExec)
	case strings.HasPrefix(command, "kill "):
		pid, _ := strconv.Atoi(strings.TrimPrefix(command, "kill "))
		w.killed[host] = append(w.killed[host], pid)
		if w.workers[host] == pid {
			delete(w.workers, host)
		}
		return "", nil
	case strings.HasPrefix(command, "provision "), strings.HasPrefix(command, "seed "):
		if w.provisionFails[host] {
			return "", fmt.Errorf("exit 1: %w", api.ErrRemoteExec)
		}
		if strings.HasPrefix(command, "seed ") {
			w.seeded[host]++
		} else {
			w.provisioned[host]++
		}
		return "", nil
	}
	return "", fmt.Errorf("unexpected command %q: %w", command, api.ErrRemoteExec)
}

func (w *fakeWorld) Start(_ context.Context, host, command string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unreachable[host] {
		return fmt.Errorf("dial %s: %w", host, api.ErrConnection)
	}
	if command != "launch "+host {
		return fmt.Errorf("unexpected launch %q: %w", command, api.ErrRemoteExec)
	}
	if w.launchFails[host] {
		return fmt.Errorf("exit 127: %w", api.ErrRemoteExec)
	}
	w.launches[host]++
	switch pid, late := w.startsLate[host]; {
	case late:
		w.late[host] = pid
	case !w.startsSilently[host]:
		w.nextPID++
		w.workers[host] = w.nextPID
	}
	if w.onLaunch != nil {
		w.onLaunch(host)
	}
	return nil
}

func (w *fakeWorld) count(m map[string]int, host string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return m[host]
}

func (w *fakeWorld) killedPIDs(host string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.killed[host]...)
}

type fakeProbe struct {
	mu       sync.Mutex
	alive    map[int]bool
	signaled []int
	err      error
}

func newProbe() *fakeProbe { return &fakeProbe{alive: map[int]bool{}} }

func (p *fakeProbe) IsAlive(pid int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	return p.alive[pid], nil
}

func (p *fakeProbe) Signal(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaled = append(p.signaled, pid)
	p.alive[pid] = false
	return nil
}

func (p *fakeProbe) setAlive(pid int, alive bool) {
	p.mu.Lock()
	p.alive[pid] = alive
	p.mu.Unlock()
}

func (p *fakeProbe) signals() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.signaled...)
}

type fakeLauncher struct {
	mu    sync.Mutex
	probe *fakeProbe
	next  int
	err   error
	calls []string
}

func (f *fakeLauncher) LaunchProxy(_ context.Context, command string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	f.probe.setAlive(f.next, true)
	return f.next, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recordingSink) Emit(ev api.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) outcomes(host string) []api.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.Outcome
	for _, ev := range r.events {
		if ev.Host == host {
			out = append(out, ev.Outcome)
		}
	}
	return out
}

func testCommands(t *testing.T) *Commands {
	t.Helper()
	cmds, err := ParseCommands(core.Commands{
		Proxy:         "proxy",
		LaunchWorker:  "launch {{.Host}}",
		FindWorker:    "find-worker",
		Terminate:     "kill {{.PID}}",
		Provision:     "provision {{.Host}}",
		ProvisionSeed: "seed {{.Host}}",
	})
	if err != nil {
		t.Fatalf("parse commands: %v", err)
	}
	return cmds
}

const testProxyPID = 1000

type harness struct {
	loop     *Loop
	world    *fakeWorld
	probe    *fakeProbe
	launcher *fakeLauncher
	store    *hostsfile.Store
	sink     *recordingSink
}

func (h *harness) writeHosts(t *testing.T, hosts ...string) {
	t.Helper()
	if err := h.store.Save(hosts); err != nil {
		t.Fatalf("save hosts: %v", err)
	}
}

func (h *harness) fileHosts(t *testing.T) []string {
	t.Helper()
	hosts, err := h.store.Load()
	if err != nil {
		t.Fatalf("load hosts: %v", err)
	}
	return hosts
}

func (h *harness) step(t *testing.T) bool {
	t.Helper()
	done, err := h.loop.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	return done
}

// newHarness builds a loop whose proxy (testProxyPID) is alive and whose
// hosts file holds hosts.
func newHarness(t *testing.T, grace time.Duration, hosts ...string) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.conf")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("write hosts: %v", err)
	}
	h := &harness{
		world: newWorld(),
		probe: newProbe(),
		store: hostsfile.New(path),
		sink:  &recordingSink{},
	}
	h.launcher = &fakeLauncher{probe: h.probe, next: 2000}
	h.writeHosts(t, hosts...)
	h.probe.setAlive(testProxyPID, true)
	h.loop = New(Options{
		Hosts:      h.store,
		Executor:   h.world,
		Probe:      h.probe,
		Launcher:   h.launcher,
		Commands:   testCommands(t),
		Interval:   10 * time.Millisecond,
		GraceDelay: grace,
		Sinks:      []EventSink{h.sink},
		RunID:      "test-run",
	})
	h.loop.reset(hosts, testProxyPID)
	return h
}

// flakyStore fails every write while failSave is set.
type flakyStore struct {
	*hostsfile.Store
	mu       sync.Mutex
	failSave bool
	saves    int
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.failSave = v
	f.mu.Unlock()
}

func (f *flakyStore) Save(hosts []string) error {
	f.mu.Lock()
	f.saves++
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("write %s: disk full", f.Path)
	}
	return f.Store.Save(hosts)
}

func (f *flakyStore) RemoveAndPersist(hosts []string, offline map[string]struct{}) ([]string, error) {
	if len(offline) == 0 {
		return hosts, nil
	}
	var kept []string
	for _, h := range hosts {
		if _, gone := offline[h]; !gone {
			kept = append(kept, h)
		}
	}
	return kept, f.Save(kept)
}

func equalHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
