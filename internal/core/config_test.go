package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	content := `hosts_file: /srv/fleet/hosts.conf
interval: 2s
grace_delay: 250ms
ssh:
  user: fleet
  insecure_ignore_host_key: true
commands:
  find_worker: pgrep -f worker
backup:
  interval: 1m
`
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HostsFile != "/srv/fleet/hosts.conf" {
		t.Errorf("hosts_file %q", cfg.HostsFile)
	}
	if cfg.Interval != 2*time.Second || cfg.GraceDelay != 250*time.Millisecond {
		t.Errorf("durations %v %v", cfg.Interval, cfg.GraceDelay)
	}
	if cfg.Backup.Interval != time.Minute {
		t.Errorf("backup interval %v", cfg.Backup.Interval)
	}
	if cfg.SSH.User != "fleet" || !cfg.SSH.InsecureIgnoreHostKey || cfg.SSH.Port != 22 {
		t.Errorf("ssh %+v", cfg.SSH)
	}
	if cfg.Commands.FindWorker != "pgrep -f worker" {
		t.Errorf("find_worker %q", cfg.Commands.FindWorker)
	}
	if cfg.Commands.Terminate != "kill {{.PID}}" {
		t.Errorf("default terminate lost: %q", cfg.Commands.Terminate)
	}
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadConfigDefaultMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Interval != 5*time.Second || cfg.GraceDelay != 10*time.Second {
		t.Fatalf("unexpected defaults %v %v", cfg.Interval, cfg.GraceDelay)
	}
	if cfg.Backup.Interval != time.Minute {
		t.Fatalf("backup should default to every minute, got %v", cfg.Backup.Interval)
	}
}

func TestLoadConfigRejectsBadInterval(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("interval: 0s\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(p); err == nil {
		t.Fatalf("expected validation error")
	}
}
