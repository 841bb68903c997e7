package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetd/internal/backup"
	"github.com/3cpo-dev/fleetd/internal/core"
	"github.com/3cpo-dev/fleetd/internal/hostsfile"
	"github.com/3cpo-dev/fleetd/internal/procprobe"
	fssh "github.com/3cpo-dev/fleetd/internal/ssh"
	"github.com/3cpo-dev/fleetd/internal/supervisor"
	"github.com/3cpo-dev/fleetd/internal/telemetry"
)

func newExecutor(cfg core.Config) (*fssh.Executor, error) {
	signer, err := fssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
	if err != nil {
		return nil, err
	}
	kh, err := fssh.HostKeyCallback(cfg.SSH.KnownHosts, cfg.SSH.InsecureIgnoreHostKey)
	if err != nil {
		return nil, err
	}
	return &fssh.Executor{
		User:       cfg.SSH.User,
		Port:       cfg.SSH.Port,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    cfg.RemoteTimeout,
		Dialer:     fssh.NetDialer{Timeout: cfg.RemoteTimeout},
	}, nil
}

// Supervise the fleet
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring the fleet up and supervise it until the hosts file empties",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			attach, _ := cmd.Flags().GetInt("attach-proxy-pid")

			lock := flock.New(cfg.LockFile)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("lock %s: %w", cfg.LockFile, err)
			}
			if !locked {
				return fmt.Errorf("another fleetd holds %s", cfg.LockFile)
			}
			defer func() { _ = lock.Unlock() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			cmds, err := supervisor.ParseCommands(cfg.Commands)
			if err != nil {
				return err
			}
			hosts := hostsfile.New(cfg.HostsFile)
			probe := procprobe.New()

			collector := telemetry.NewCollector(cfg.Telemetry.Enabled, 30*time.Second)
			defer collector.Shutdown()
			sinks := []supervisor.EventSink{collector}
			if cfg.Journal.Path != "" {
				journal, err := core.NewStore(cfg.Journal.Path)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer journal.Close()
				sinks = append(sinks, journal)
			}

			var confirmed []string
			proxyPID := attach
			if attach > 0 {
				if confirmed, err = hosts.Load(); err != nil {
					return err
				}
				log.Info().Int("pid", attach).Msg("Attaching to running proxy")
			} else {
				boot := &supervisor.Bootstrap{
					Hosts:       hosts,
					Executor:    exec,
					Launcher:    probe,
					Commands:    cmds,
					Build:       procprobe.RunLocal,
					Settle:      cfg.Startup.Settle,
					ProxyWarmup: cfg.Startup.ProxyWarmup,
					MigrateWait: cfg.Startup.MigrateWait,
				}
				if confirmed, proxyPID, err = boot.Run(ctx); err != nil {
					return err
				}
			}

			var wake <-chan struct{}
			if cfg.ReloadOnChange {
				if wake, err = hosts.Watch(ctx); err != nil {
					log.Warn().Err(err).Msg("Hosts file watch unavailable, polling only")
				}
			}

			loop := supervisor.New(supervisor.Options{
				Hosts:      hosts,
				Executor:   exec,
				Probe:      probe,
				Launcher:   probe,
				Commands:   cmds,
				Interval:   cfg.Interval,
				GraceDelay: cfg.GraceDelay,
				Wake:       wake,
				Sinks:      sinks,
			})

			if cfg.StatusAddr != "" {
				ms := telemetry.NewMonitoringServer(cfg.StatusAddr, collector, func() telemetry.FleetStatus {
					return telemetry.FleetStatus{
						RunID:    loop.RunID(),
						State:    loop.State().String(),
						Registry: loop.Registry().Snapshot(),
						Pending:  loop.Coordinator().Pending(),
					}
				})
				if err := ms.Start(); err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = ms.Shutdown(sctx)
				}()
			}

			if cfg.Backup.Interval > 0 {
				b, err := backup.New(hosts, backup.SFTPPuller{Executor: exec}, cfg.Backup.RemotePath, cfg.Backup.LocalDir, cfg.Backup.Interval, cfg.RemoteTimeout)
				if err != nil {
					return err
				}
				go func() { _ = b.Run(ctx) }()
			}

			err = loop.Run(ctx, confirmed, proxyPID)
			loop.Coordinator().Wait()
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("Interrupted, leaving fleet running")
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int("attach-proxy-pid", 0, "skip startup and supervise an already running proxy with this pid")
	return cmd
}
