package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the supervisor configuration file.
type Config struct {
	HostsFile      string        `yaml:"hosts_file"`
	Interval       time.Duration `yaml:"interval"`
	GraceDelay     time.Duration `yaml:"grace_delay"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
	ReloadOnChange bool          `yaml:"reload_on_change"`
	LockFile       string        `yaml:"lock_file"`
	StatusAddr     string        `yaml:"status_addr"`

	SSH struct {
		User                  string `yaml:"user"`
		Port                  int    `yaml:"port"`
		KeyPath               string `yaml:"key_path"`
		KnownHosts            string `yaml:"known_hosts"`
		InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	} `yaml:"ssh"`

	Commands Commands `yaml:"commands"`

	Startup struct {
		Settle      time.Duration `yaml:"settle"`
		ProxyWarmup time.Duration `yaml:"proxy_warmup"`
		MigrateWait time.Duration `yaml:"migrate_wait"`
	} `yaml:"startup"`

	Backup struct {
		Interval   time.Duration `yaml:"interval"`
		RemotePath string        `yaml:"remote_path"`
		LocalDir   string        `yaml:"local_dir"`
	} `yaml:"backup"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Commands are text/template strings rendered with .Host and .PID.
type Commands struct {
	Build         []string `yaml:"build"`
	Proxy         string   `yaml:"proxy"`
	LaunchWorker  string   `yaml:"launch_worker"`
	FindWorker    string   `yaml:"find_worker"`
	Terminate     string   `yaml:"terminate"`
	Provision     string   `yaml:"provision"`
	ProvisionSeed string   `yaml:"provision_seed"`
}

// Defaults returns the configuration used for keys the file leaves unset.
func Defaults() Config {
	var cfg Config
	cfg.HostsFile = "./hosts.conf"
	cfg.Interval = 5 * time.Second
	cfg.GraceDelay = 10 * time.Second
	cfg.RemoteTimeout = 15 * time.Second
	cfg.LockFile = "./fleetd.lock"
	cfg.SSH.Port = 22
	home, _ := os.UserHomeDir()
	cfg.SSH.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	cfg.Commands = Commands{
		Build:         []string{"javac SimpleProxyServer.java", "javac URLShortener.java"},
		Proxy:         "java -classpath '.:sqlite-jdbc-3.43.0.0.jar' SimpleProxyServer",
		LaunchWorker:  "java -classpath '.:sqlite-jdbc-3.43.0.0.jar' URLShortener {{.Host}}",
		FindWorker:    "pgrep -f URLShortener",
		Terminate:     "kill {{.PID}}",
		Provision:     "sqlite3 /virtual/{{.Host}}.sqlite 'CREATE TABLE IF NOT EXISTS URL (shortURL TEXT PRIMARY KEY, longURL TEXT);'",
		ProvisionSeed: "cp ./database.sqlite /virtual/{{.Host}}.sqlite",
	}
	cfg.Startup.Settle = 3 * time.Second
	cfg.Startup.ProxyWarmup = 15 * time.Second
	cfg.Startup.MigrateWait = 15 * time.Second
	cfg.Backup.Interval = time.Minute
	cfg.Backup.RemotePath = "/virtual/{{.Host}}.sqlite"
	cfg.Backup.LocalDir = "/virtual"
	cfg.Journal.Path = "./fleetd.db"
	return cfg
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/fleetd/config.yaml or
// ~/.config/fleetd/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetd", "config.yaml")
}

// LoadConfig reads YAML configuration from path over Defaults. An empty
// path falls back to DefaultConfigPath, and a missing default file is not
// an error.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the supervisor cannot run with.
func (c Config) Validate() error {
	switch {
	case c.HostsFile == "":
		return errors.New("config: hosts_file is required")
	case c.Interval <= 0:
		return errors.New("config: interval must be positive")
	case c.GraceDelay < 0:
		return errors.New("config: grace_delay must not be negative")
	case c.Commands.LaunchWorker == "":
		return errors.New("config: commands.launch_worker is required")
	case c.Commands.FindWorker == "":
		return errors.New("config: commands.find_worker is required")
	case c.Commands.Terminate == "":
		return errors.New("config: commands.terminate is required")
	case c.Commands.Proxy == "":
		return errors.New("config: commands.proxy is required")
	}
	return nil
}
