package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options wires a Loop to its collaborators.
type Options struct {
	Hosts    HostStore
	Executor Executor
	Probe    ProcessProbe
	Launcher ProxyLauncher
	Commands *Commands
	// Registry defaults to a fresh one.
	Registry *Registry

	Interval   time.Duration
	GraceDelay time.Duration
	// Wake, if set, ends the sleep between cycles early.
	Wake <-chan struct{}

	Sinks []EventSink
	// RunID defaults to a random UUID.
	RunID string
}

// Loop is the reconciliation loop. It is driven by a single goroutine; only
// the delayed removal tasks run beside it.
type Loop struct {
	hosts    HostStore
	exec     Executor
	probe    ProcessProbe
	launcher ProxyLauncher
	cmds     *Commands
	registry *Registry
	prov     *Provisioner
	shutdown *Coordinator
	emit     *emitter

	interval time.Duration
	wake     <-chan struct{}
	runID    string

	state    atomic.Int32
	current  []string
	// unsaved holds hosts dropped from current whose removal from the
	// hosts file has not been persisted yet.
	unsaved  hostSet
	proxyPID int
	cycle    int
}

func New(opts Options) *Loop {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	em := newEmitter(runID, opts.Sinks)
	l := &Loop{
		hosts:    opts.Hosts,
		exec:     opts.Executor,
		probe:    opts.Probe,
		launcher: opts.Launcher,
		cmds:     opts.Commands,
		registry: reg,
		prov:     NewProvisioner(opts.Executor, opts.Commands),
		shutdown: newCoordinator(opts.Executor, opts.Probe, opts.Commands, reg, opts.GraceDelay, em),
		emit:     em,
		interval: opts.Interval,
		wake:     opts.Wake,
		runID:    runID,
		unsaved:  hostSet{},
	}
	l.setState(StateProxyUpScanning)
	return l
}

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// State returns the current loop state. Safe for concurrent use.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) Registry() *Registry { return l.registry }

func (l *Loop) Coordinator() *Coordinator { return l.shutdown }

func (l *Loop) RunID() string { return l.runID }

// Run supervises the fleet starting from the confirmed hosts and the pid of
// the already running proxy. It returns nil after a full shutdown, an error
// wrapping api.ErrProxyLaunch when the proxy cannot be relaunched, and
// ctx.Err() when ctx ends first.
func (l *Loop) Run(ctx context.Context, hosts []string, proxyPID int) error {
	l.reset(hosts, proxyPID)
	log.Info().Str("run_id", l.runID).Strs("hosts", hosts).Int("proxy_pid", proxyPID).Msg("Monitoring system online")

	for {
		done, err := l.step(ctx)
		if err != nil {
			return err
		}
		if done {
			log.Info().Msg("System offline")
			return nil
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-l.wake:
			timer.Stop()
			log.Debug().Msg("Hosts file changed, reconciling early")
		}
	}
}

func (l *Loop) reset(hosts []string, proxyPID int) {
	l.current = minus(hosts)
	l.unsaved = hostSet{}
	l.proxyPID = proxyPID
	if proxyPID > 0 {
		l.registry.Set(api.LocalHost, proxyPID)
	}
	l.setState(StateProxyUpScanning)
}

// step runs one cycle and reports whether the fleet has been shut down.
func (l *Loop) step(ctx context.Context) (bool, error) {
	l.cycle++
	l.emit.cycle.Store(int64(l.cycle))

	if len(l.current) == 0 {
		l.terminate(ctx)
		return true, nil
	}
	oldHosts := append([]string(nil), l.current...)
	oldSet := setOf(oldHosts)
	offline := hostSet{}

	if err := l.superviseProxy(ctx); err != nil {
		return false, err
	}

	for _, host := range l.current {
		if l.checkWorker(ctx, host) {
			offline[host] = struct{}{}
		}
	}
	for h := range offline {
		l.unsaved[h] = struct{}{}
	}
	if !l.persistOffline() {
		// Reloading now would read the offline hosts back in as added.
		l.setState(StateProxyUpScanning)
		return false, nil
	}

	l.setState(StateReconciling)
	newHosts, err := l.hosts.Load()
	if err != nil {
		l.emit.emit("", api.OutcomeReloadError, 0, err, "Reloading hosts file failed, retrying next cycle")
		l.setState(StateProxyUpScanning)
		return false, nil
	}
	newHosts = minus(newHosts)
	if len(newHosts) == 0 {
		l.terminate(ctx)
		return true, nil
	}
	newSet := setOf(newHosts)

	failed := hostSet{}
	for _, host := range minus(newHosts, oldSet, offline) {
		if l.shutdown.Cancel(host) {
			// Its worker was never stopped and is still registered.
			pid, _ := l.registry.Get(host)
			l.emit.emit(host, api.OutcomeCancelled, pid, nil, "Host re-added before its grace delay, removal cancelled")
			continue
		}
		if err := l.addHost(ctx, host); err != nil {
			l.emit.emit(host, api.OutcomeAddFailed, 0, err, "Initializing new host failed")
			failed[host] = struct{}{}
			continue
		}
		l.emit.emit(host, api.OutcomeAdded, 0, nil, "New host initialized")
	}
	if len(failed) > 0 {
		newHosts = minus(newHosts, failed)
		for h := range failed {
			offline[h] = struct{}{}
			l.unsaved[h] = struct{}{}
		}
		l.current = newHosts
		l.persistOffline()
	}

	for _, host := range minus(oldHosts, newSet, offline) {
		pid, ok := l.registry.Get(host)
		if !ok {
			// A worker relaunched this cycle may not have been visible yet.
			if pid, err = probeWorker(ctx, l.exec, l.cmds, host); err != nil {
				l.emit.emit(host, api.OutcomeRemoved, 0, nil, "Host removed with no known worker")
				continue
			}
			l.registry.Set(host, pid)
		}
		l.shutdown.Schedule(ctx, host, pid)
		l.emit.emit(host, api.OutcomeScheduled, pid, nil, "Host removed, termination scheduled")
	}

	l.current = newHosts
	l.setState(StateProxyUpScanning)
	return false, nil
}

// persistOffline removes the unsaved hosts from current and writes the
// result to the hosts file. It reports whether the file is up to date; on
// failure the hosts stay unsaved and the write is retried next cycle.
func (l *Loop) persistOffline() bool {
	if len(l.unsaved) == 0 {
		return true
	}
	kept, err := l.hosts.RemoveAndPersist(minus(l.current, l.unsaved), l.unsaved)
	l.current = kept
	if err != nil {
		log.Error().Err(err).Strs("hosts", setHosts(l.unsaved)).Msg("Persisting offline hosts failed, retrying next cycle")
		return false
	}
	l.unsaved = hostSet{}
	return true
}

// superviseProxy records a live proxy or relaunches a dead one. Only a
// failed relaunch is returned.
func (l *Loop) superviseProxy(ctx context.Context) error {
	alive, err := l.probe.IsAlive(l.proxyPID)
	if err != nil {
		// Relaunching on an unknown answer could start a second proxy.
		l.emit.emit(api.LocalHost, api.OutcomeProxyDown, l.proxyPID, err, "Proxy probe failed, skipping proxy check")
		return nil
	}
	if alive {
		l.registry.Set(api.LocalHost, l.proxyPID)
		l.emit.emit(api.LocalHost, api.OutcomeProxyUp, l.proxyPID, nil, "Reverse proxy server is online")
		return nil
	}

	l.setState(StateProxyDown)
	l.emit.emit(api.LocalHost, api.OutcomeProxyDown, l.proxyPID, nil, "Reverse proxy server is offline, relaunching")
	cmd, err := l.cmds.Proxy()
	if err != nil {
		return fmt.Errorf("relaunch proxy: %w: %v", api.ErrProxyLaunch, err)
	}
	pid, err := l.launcher.LaunchProxy(ctx, cmd)
	if err != nil {
		if !errors.Is(err, api.ErrProxyLaunch) {
			err = fmt.Errorf("%w: %v", api.ErrProxyLaunch, err)
		}
		return fmt.Errorf("relaunch proxy: %w", err)
	}
	l.proxyPID = pid
	l.registry.Set(api.LocalHost, pid)
	l.emit.emit(api.LocalHost, api.OutcomeRelaunched, pid, nil, "Reverse proxy server relaunched")
	l.setState(StateProxyUpScanning)
	return nil
}

func (l *Loop) addHost(ctx context.Context, host string) error {
	if err := l.prov.Provision(ctx, host, false); err != nil {
		return err
	}
	return launchWorker(ctx, l.exec, l.cmds, host)
}

func (l *Loop) terminate(ctx context.Context) {
	l.setState(StateTerminated)
	log.Warn().Msg("Desired host set is empty, shutting down system")
	l.shutdown.TerminateAll(ctx)
}
