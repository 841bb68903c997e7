package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetd/internal/backup"
	"github.com/3cpo-dev/fleetd/internal/core"
	"github.com/3cpo-dev/fleetd/internal/hostsfile"
	fssh "github.com/3cpo-dev/fleetd/internal/ssh"
)

// Prepare SSH material for the supervisor
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the SSH key and known_hosts file if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfg.SSH.KeyPath); errors.Is(err, fs.ErrNotExist) {
				pub, err := fssh.GenerateEd25519Keypair(cfg.SSH.KeyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\nauthorize it on every worker host:\n%s", cfg.SSH.KeyPath, pub)
			} else if err != nil {
				return err
			} else {
				fmt.Fprintf(out, "key %s already exists\n", cfg.SSH.KeyPath)
			}
			if err := fssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Fprintf(out, "known_hosts at %s\n", cfg.SSH.KnownHosts)
			return nil
		},
	}
}

// Edit the desired-host file
func newHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Inspect or edit the desired-host file",
	}
	store := func(cmd *cobra.Command) (*hostsfile.Store, error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		return hostsfile.New(cfg.HostsFile), nil
	}
	printHosts := func(cmd *cobra.Command, hosts []string) {
		for _, h := range hosts {
			fmt.Fprintln(cmd.OutOrStdout(), h)
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List desired hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store(cmd)
			if err != nil {
				return err
			}
			hosts, err := s.Load()
			if err != nil {
				return err
			}
			printHosts(cmd, hosts)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add HOST...",
		Short: "Append hosts; a running supervisor provisions them next cycle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store(cmd)
			if err != nil {
				return err
			}
			hosts, err := s.Add(args...)
			if err != nil {
				return err
			}
			printHosts(cmd, hosts)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm HOST...",
		Short: "Remove hosts; a running supervisor retires their workers after the grace delay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store(cmd)
			if err != nil {
				return err
			}
			hosts, err := s.Remove(args...)
			if err != nil {
				return err
			}
			printHosts(cmd, hosts)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "trust [HOST...]",
		Short: "Record the SSH host keys of the given or all desired hosts in known_hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hosts := args
			if len(hosts) == 0 {
				if hosts, err = hostsfile.New(cfg.HostsFile).Load(); err != nil {
					return err
				}
			}
			scanner := &fssh.Executor{User: cfg.SSH.User, Port: cfg.SSH.Port, Timeout: cfg.RemoteTimeout}
			for _, h := range hosts {
				fp, err := scanner.TrustHost(cmd.Context(), cfg.SSH.KnownHosts, h)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", h, fp)
			}
			return nil
		},
	})
	return cmd
}

// Show the event journal
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent supervisor events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			host, _ := cmd.Flags().GetString("host")
			limit, _ := cmd.Flags().GetInt("limit")
			if cfg.Journal.Path == "" {
				return errors.New("journal.path is not configured")
			}
			store, err := core.NewStore(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
			}
			events, err := store.Recent(cmd.Context(), host, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCYCLE\tHOST\tOUTCOME\tKIND\tPID\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
					ev.Time.Local().Format(time.RFC3339), ev.Cycle, ev.Host, ev.Outcome, ev.Kind, ev.PID, ev.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("host", "", "only events for this host")
	cmd.Flags().Int("limit", 50, "maximum number of events")
	return cmd
}

// Back up worker stores once
func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Pull every desired host's data store once and verify the copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			b, err := backup.New(hostsfile.New(cfg.HostsFile), backup.SFTPPuller{Executor: exec}, cfg.Backup.RemotePath, cfg.Backup.LocalDir, 0, cfg.RemoteTimeout)
			if err != nil {
				return err
			}
			results, err := b.Once(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAILED\t%v\n", r.Host, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%d rows\n", r.Host, r.Bytes, r.Rows)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d backups failed", failed, len(results))
			}
			return nil
		},
	}
}
