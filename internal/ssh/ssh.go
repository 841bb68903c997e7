package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

// Executor runs commands on remote hosts, one transient session per call.
type Executor struct {
	User       string
	Port       int
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	// Timeout bounds a whole call: dial, handshake and command.
	Timeout time.Duration
	Dialer  Dialer
}

func (e *Executor) makeConfig() (*xssh.ClientConfig, error) {
	if e.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if e.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            e.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(e.Signer)},
		HostKeyCallback: e.KnownHosts,
		Timeout:         e.Timeout,
	}, nil
}

func (e *Executor) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial opens an SSH connection to host. The caller closes the client.
func (e *Executor) Dial(ctx context.Context, host string) (*xssh.Client, error) {
	cfg, err := e.makeConfig()
	if err != nil {
		return nil, err
	}
	d := e.Dialer
	if d == nil {
		d = NetDialer{Timeout: e.Timeout}
	}
	addr := e.addr(host)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, api.ErrConnection, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(c, chans, reqs), nil
}

func classifyHandshake(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("handshake %s: %w: %v", addr, api.ErrAuth, err)
	}
	return fmt.Errorf("handshake %s: %w: %v", addr, api.ErrConnection, err)
}

// Run executes command on host and returns its standard output. A non-zero
// exit status yields api.ErrRemoteExec together with whatever was printed.
func (e *Executor) Run(ctx context.Context, host, command string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	cli, err := e.Dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session on %s: %w: %v", host, api.ErrConnection, err)
	}
	defer session.Close()

	type res struct {
		out []byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		out, err := session.Output(command)
		ch <- res{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		// Closing the client unblocks Output.
		_ = cli.Close()
		return "", fmt.Errorf("run on %s: %w: %v", host, api.ErrConnection, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			var exitErr *xssh.ExitError
			if errors.As(r.err, &exitErr) {
				return string(r.out), fmt.Errorf("run on %s: exit %d: %w", host, exitErr.ExitStatus(), api.ErrRemoteExec)
			}
			var missing *xssh.ExitMissingError
			if errors.As(r.err, &missing) {
				return string(r.out), fmt.Errorf("run on %s: %w: %v", host, api.ErrConnection, r.err)
			}
			return string(r.out), fmt.Errorf("run on %s: %w: %v", host, api.ErrRemoteExec, r.err)
		}
		log.Trace().Str("host", host).Str("command", command).Msg("Remote command finished")
		return string(r.out), nil
	}
}

// Start launches command on host detached from the session, so that closing
// the connection does not take the process down with it. It returns once the
// remote shell has forked the command.
func (e *Executor) Start(ctx context.Context, host, command string) error {
	_, err := e.Run(ctx, host, Detach(command))
	return err
}

// Detach wraps command so a POSIX shell runs it in the background with its
// standard streams released.
func Detach(command string) string {
	return "nohup sh -c " + ShellQuote(command) + " > /dev/null 2>&1 < /dev/null &"
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
