package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host using the given authorized key text.
func AppendKnownHost(path, host, authorizedKey string) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(host)}, pubKey)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

// HostKeyCallback picks the callback for the executor. Lab clusters that
// share one home directory often have no known_hosts entries for every
// machine; insecure accepts any host key there.
func HostKeyCallback(path string, insecure bool) (xssh.HostKeyCallback, error) {
	if insecure {
		log.Warn().Msg("SSH host key verification disabled")
		return xssh.InsecureIgnoreHostKey(), nil
	}
	return LoadKnownHostsCallback(path)
}

var errKeyCaptured = errors.New("host key captured")

// ScanHostKey returns the key host presents during key exchange. No
// authentication is attempted.
func (e *Executor) ScanHostKey(ctx context.Context, host string) (xssh.PublicKey, error) {
	d := e.Dialer
	if d == nil {
		d = NetDialer{Timeout: e.Timeout}
	}
	addr := e.addr(host)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, api.ErrConnection, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	var key xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: e.User,
		HostKeyCallback: func(_ string, _ net.Addr, k xssh.PublicKey) error {
			key = k
			return errKeyCaptured
		},
		Timeout: e.Timeout,
	}
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if key != nil {
		return key, nil
	}
	return nil, classifyHandshake(addr, err)
}

// TrustHost records host's current key in the known_hosts file at path and
// returns its SHA256 fingerprint.
func (e *Executor) TrustHost(ctx context.Context, path, host string) (string, error) {
	key, err := e.ScanHostKey(ctx, host)
	if err != nil {
		return "", err
	}
	if err := AppendKnownHost(path, e.addr(host), string(xssh.MarshalAuthorizedKey(key))); err != nil {
		return "", err
	}
	return xssh.FingerprintSHA256(key), nil
}
