// Package backup periodically copies each host's data store to the
// supervisor and checks the copy opens.
package backup

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/3cpo-dev/fleetd/internal/datastore"
	fssh "github.com/3cpo-dev/fleetd/internal/ssh"
	"github.com/rs/zerolog/log"
)

// Puller copies remotePath on host to localPath.
type Puller interface {
	Pull(ctx context.Context, host, remotePath, localPath string) (int64, error)
}

// HostSource lists the hosts to back up.
type HostSource interface {
	Load() ([]string, error)
}

// SFTPPuller pulls over an SFTP subsystem on the executor's SSH connection.
type SFTPPuller struct {
	Executor *fssh.Executor
}

func (p SFTPPuller) Pull(ctx context.Context, host, remotePath, localPath string) (int64, error) {
	client, err := p.Executor.Dial(ctx, host)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return fssh.PullFile(ctx, client, remotePath, localPath)
}

// Result is the outcome of backing up one host.
type Result struct {
	Host  string
	Bytes int64
	Rows  int
	Err   error
}

// Backup pulls every host's store into LocalDir.
type Backup struct {
	Hosts    HostSource
	Puller   Puller
	LocalDir string
	Interval time.Duration
	Timeout  time.Duration

	remote *template.Template
}

// New builds a Backup. remotePath is a template rendered with .Host.
func New(hosts HostSource, puller Puller, remotePath, localDir string, interval, timeout time.Duration) (*Backup, error) {
	t, err := template.New("remote_path").Option("missingkey=error").Parse(remotePath)
	if err != nil {
		return nil, fmt.Errorf("parse backup.remote_path: %w", err)
	}
	return &Backup{
		Hosts:    hosts,
		Puller:   puller,
		LocalDir: localDir,
		Interval: interval,
		Timeout:  timeout,
		remote:   t,
	}, nil
}

// RemotePath renders the remote store path for host.
func (b *Backup) RemotePath(host string) (string, error) {
	var sb strings.Builder
	if err := b.remote.Execute(&sb, struct{ Host string }{host}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Once backs up every host from the host source. Failures are per host.
func (b *Backup) Once(ctx context.Context) ([]Result, error) {
	hosts, err := b.Hosts.Load()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hosts))
	for _, h := range hosts {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		r := b.one(ctx, h)
		if r.Err != nil {
			log.Warn().Str("host", h).Err(r.Err).Msg("Backup failed")
		} else {
			log.Debug().Str("host", h).Int64("bytes", r.Bytes).Int("rows", r.Rows).Msg("Backup complete")
		}
		results = append(results, r)
	}
	return results, nil
}

func (b *Backup) one(ctx context.Context, host string) Result {
	r := Result{Host: host}
	remote, err := b.RemotePath(host)
	if err != nil {
		r.Err = err
		return r
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	local := datastore.PathFor(b.LocalDir, host)
	r.Bytes, r.Err = b.Puller.Pull(ctx, host, remote, local)
	if r.Err != nil {
		return r
	}
	r.Rows, r.Err = datastore.CountURLs(ctx, local)
	if r.Err != nil {
		r.Err = fmt.Errorf("verify %s: %w", local, r.Err)
	}
	return r
}

// Run backs up on every Interval tick until ctx is done.
func (b *Backup) Run(ctx context.Context) error {
	if b.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Once(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Backup cycle skipped")
			}
		}
	}
}
