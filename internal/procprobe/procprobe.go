// Package procprobe inspects and controls processes on the local machine.
package procprobe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Local probes processes through signal 0 and the /proc table.
type Local struct {
	// ProcRoot defaults to /proc.
	ProcRoot string
	// ChildWait bounds how long LaunchProxy waits for the wrapper shell to
	// fork the real process.
	ChildWait time.Duration
}

func New() *Local { return &Local{ProcRoot: "/proc", ChildWait: 2 * time.Second} }

func (l *Local) procRoot() string {
	if l.ProcRoot == "" {
		return "/proc"
	}
	return l.ProcRoot
}

// IsAlive reports whether pid exists and is not a zombie. A vanished pid is
// a normal false, not an error.
func (l *Local) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	st, err := l.readStat(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		// No readable /proc: signal 0 is the best answer available.
		return true, nil
	}
	return st.state != 'Z' && st.state != 'X', nil
}

// FirstChildPID returns the lowest pid whose parent is pid.
func (l *Local) FirstChildPID(pid int) (int, error) {
	entries, err := os.ReadDir(l.procRoot())
	if err != nil {
		return 0, fmt.Errorf("read process table: %w", err)
	}
	first := 0
	for _, e := range entries {
		child, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		st, err := l.readStat(child)
		if err != nil {
			continue
		}
		if st.ppid == pid && (first == 0 || child < first) {
			first = child
		}
	}
	if first == 0 {
		return 0, fmt.Errorf("children of %d: %w", pid, api.ErrProcessNotFound)
	}
	return first, nil
}

// Signal sends SIGTERM to pid. A pid that is already gone is not an error.
func (l *Local) Signal(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// Spawn runs command through sh -c and returns the shell's pid. The shell is
// reaped in the background.
func (l *Local) Spawn(command string) (int, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %q: %w", command, err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		log.Debug().Int("pid", pid).Err(err).Msg("Spawned shell exited")
	}()
	return pid, nil
}

// LaunchProxy starts the proxy through a wrapper shell and returns the pid of
// the real proxy process, the first child of that shell. A shell that execs
// the command directly has no child; its own pid is returned then.
func (l *Local) LaunchProxy(ctx context.Context, command string) (int, error) {
	shellPID, err := l.Spawn(command)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", api.ErrProxyLaunch, err)
	}
	wait := l.ChildWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	deadline := time.Now().Add(wait)
	for {
		if child, err := l.FirstChildPID(shellPID); err == nil {
			return child, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", api.ErrProxyLaunch, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	alive, err := l.IsAlive(shellPID)
	if err != nil || !alive {
		return 0, fmt.Errorf("%w: proxy exited immediately", api.ErrProxyLaunch)
	}
	return shellPID, nil
}

// RunLocal runs command through sh -c and waits for it, relaying output.
func RunLocal(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %q: %w", command, err)
	}
	return nil
}

type stat struct {
	state byte
	ppid  int
}

// readStat parses /proc/<pid>/stat. The command name may contain spaces and
// parentheses, so fields are split after the last ')'.
func (l *Local) readStat(pid int) (stat, error) {
	b, err := os.ReadFile(filepath.Join(l.procRoot(), strconv.Itoa(pid), "stat"))
	if err != nil {
		return stat{}, err
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return stat{}, fmt.Errorf("malformed stat for %d", pid)
	}
	fields := strings.Fields(s[i+1:])
	if len(fields) < 2 {
		return stat{}, fmt.Errorf("malformed stat for %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return stat{}, fmt.Errorf("malformed ppid for %d: %w", pid, err)
	}
	return stat{state: fields[0][0], ppid: ppid}, nil
}
