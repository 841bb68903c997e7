package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
)

// Coordinator retires workers on hosts removed from the desired set and
// tears down the whole fleet.
type Coordinator struct {
	exec     Executor
	probe    ProcessProbe
	cmds     *Commands
	registry *Registry
	grace    time.Duration
	emit     *emitter

	mu      sync.Mutex
	pending map[string]chan struct{}
	wg      sync.WaitGroup
}

func newCoordinator(exec Executor, probe ProcessProbe, cmds *Commands, reg *Registry, grace time.Duration, em *emitter) *Coordinator {
	return &Coordinator{
		exec:     exec,
		probe:    probe,
		cmds:     cmds,
		registry: reg,
		grace:    grace,
		emit:     em,
		pending:  map[string]chan struct{}{},
	}
}

// Schedule terminates pid on host after the grace delay without blocking
// the caller. A second Schedule for the same host replaces the first.
func (c *Coordinator) Schedule(ctx context.Context, host string, pid int) {
	cancel := make(chan struct{})
	c.mu.Lock()
	if prev, ok := c.pending[host]; ok {
		close(prev)
	}
	c.pending[host] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.retire(ctx, host, pid, cancel)
}

// Cancel stops a pending termination for host and reports whether one was
// pending.
func (c *Coordinator) Cancel(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[host]
	if ok {
		close(ch)
		delete(c.pending, host)
	}
	return ok
}

// Pending returns the number of scheduled terminations.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until every scheduled termination has finished or been cancelled.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) retire(ctx context.Context, host string, pid int, cancel chan struct{}) {
	defer c.wg.Done()
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-cancel:
		return
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	if c.pending[host] != cancel {
		c.mu.Unlock()
		return
	}
	delete(c.pending, host)
	c.mu.Unlock()

	if err := c.kill(ctx, host, pid); err != nil {
		c.emit.emit(host, api.OutcomeRemoved, pid, err, "Terminating removed worker failed")
	} else {
		c.emit.emit(host, api.OutcomeRemoved, pid, nil, "Host has been removed")
	}
	c.registry.DeleteIf(host, pid)
}

func (c *Coordinator) kill(ctx context.Context, host string, pid int) error {
	if host == api.LocalHost {
		return c.probe.Signal(pid)
	}
	cmd, err := c.cmds.Terminate(host, pid)
	if err != nil {
		return err
	}
	if _, err := c.exec.Run(ctx, host, cmd); err != nil {
		return fmt.Errorf("terminate pid %d on %s: %w", pid, host, err)
	}
	return nil
}

// TerminateAll cancels pending removals and signals every registered
// process, workers first and the proxy last. Failures are reported and do
// not stop the sweep.
func (c *Coordinator) TerminateAll(ctx context.Context) {
	c.mu.Lock()
	for host, ch := range c.pending {
		close(ch)
		delete(c.pending, host)
	}
	c.mu.Unlock()

	hosts := c.registry.Hosts()
	ordered := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h != api.LocalHost {
			ordered = append(ordered, h)
		}
	}
	if len(ordered) != len(hosts) {
		ordered = append(ordered, api.LocalHost)
	}
	for _, host := range ordered {
		pid, ok := c.registry.Get(host)
		if !ok {
			continue
		}
		if err := c.kill(ctx, host, pid); err != nil {
			c.emit.emit(host, api.OutcomeShutdown, pid, err, "Terminate failed")
		} else {
			c.emit.emit(host, api.OutcomeShutdown, pid, nil, "Process terminated")
		}
		c.registry.Delete(host)
	}
}
