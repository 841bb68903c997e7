package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/3cpo-dev/fleetd/pkg/api"
)

// parsePID returns the first positive integer line of a probe's output.
func parsePID(out string) int {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// probeWorker runs the find command on host. A missing pid is reported as
// api.ErrProcessNotFound unless the probe itself failed to connect.
func probeWorker(ctx context.Context, exec Executor, cmds *Commands, host string) (int, error) {
	cmd, err := cmds.FindWorker(host)
	if err != nil {
		return 0, err
	}
	out, err := exec.Run(ctx, host, cmd)
	if pid := parsePID(out); pid > 0 {
		return pid, nil
	}
	switch api.KindOf(err) {
	case api.KindConnection, api.KindAuth:
		return 0, err
	}
	return 0, fmt.Errorf("worker on %s: %w", host, api.ErrProcessNotFound)
}

func launchWorker(ctx context.Context, exec Executor, cmds *Commands, host string) error {
	cmd, err := cmds.LaunchWorker(host)
	if err != nil {
		return err
	}
	if err := exec.Start(ctx, host, cmd); err != nil {
		return fmt.Errorf("launch worker on %s: %w", host, err)
	}
	return nil
}

// checkWorker runs the liveness and failover protocol for one host and
// reports whether the host has to be treated as offline for this cycle.
//
// A live worker is recorded. A dead one is relaunched once; if the relaunch
// fails the host is offline. After a successful relaunch the worker is
// probed again so a fast start is recorded in the same cycle; otherwise the
// next cycle records it.
func (l *Loop) checkWorker(ctx context.Context, host string) bool {
	pid, err := probeWorker(ctx, l.exec, l.cmds, host)
	if err == nil {
		l.registry.Set(host, pid)
		l.emit.emit(host, api.OutcomeUp, pid, nil, "Worker is online")
		return false
	}
	l.registry.Delete(host)
	l.emit.emit(host, api.OutcomeDown, 0, err, "Worker is offline, relaunching")

	if err := launchWorker(ctx, l.exec, l.cmds, host); err != nil {
		l.emit.emit(host, api.OutcomeOffline, 0, err, "Worker relaunch failed")
		return true
	}
	pid, err = probeWorker(ctx, l.exec, l.cmds, host)
	if err == nil {
		l.registry.Set(host, pid)
	} else {
		pid = 0
	}
	l.emit.emit(host, api.OutcomeRelaunched, pid, nil, "Worker relaunched")
	return false
}

// Provisioner creates or verifies the per-host data store.
type Provisioner struct {
	exec Executor
	cmds *Commands
}

func NewProvisioner(exec Executor, cmds *Commands) *Provisioner {
	return &Provisioner{exec: exec, cmds: cmds}
}

// Provision runs the provisioning command on host and waits for it. With
// seed the store is copied from the seed database instead of created empty.
func (p *Provisioner) Provision(ctx context.Context, host string, seed bool) error {
	cmd, err := p.cmds.Provision(host, seed)
	if err != nil {
		return err
	}
	if cmd == "" {
		return nil
	}
	if _, err := p.exec.Run(ctx, host, cmd); err != nil {
		return fmt.Errorf("provision %s: %w", host, err)
	}
	return nil
}
