package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/valrun/internal/backend"
	"github.com/3cpo-dev/valrun/internal/logging"
	"github.com/3cpo-dev/valrun/internal/task"
)

const (
	ModeLocal   = "local"
	ModeCluster = "cluster"

	TransportShared = "shared"
	TransportSSH    = "ssh"

	DefaultPollInterval = time.Second
	DefaultRuntimesFile = "runtimes.dat"
	DefaultHistoryDB    = "results/history.db"
	DefaultEnvFile      = "release.env"
)

type Config struct {
	Mode string `yaml:"mode"`
	Tag  string `yaml:"tag"`
	// Options are appended to every script invocation.
	Options      string        `yaml:"options"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RuntimesFile string        `yaml:"runtimes_file"`
	HistoryDB    string        `yaml:"history_db"`
	EnvFile      string        `yaml:"env_file"`
	StatusAddr   string        `yaml:"status_addr"`

	Release struct {
		LocalDir   string `yaml:"local_dir"`
		CentralDir string `yaml:"central_dir"`
	} `yaml:"release"`

	Discovery struct {
		Packages   []string `yaml:"packages"`
		Extensions []string `yaml:"extensions"`
		Blacklist  []string `yaml:"blacklist"`
		Exclude    []string `yaml:"exclude"`
		Baseline   string   `yaml:"baseline_package"`
	} `yaml:"discovery"`

	Local struct {
		MaxProcesses int                 `yaml:"max_processes"`
		ResultsDir   string              `yaml:"results_dir"`
		Interpreters map[string][]string `yaml:"interpreters"`
	} `yaml:"local"`

	Cluster struct {
		backend.ClusterConfig `yaml:",inline"`
		Transport             string `yaml:"transport"`
		SSH                   struct {
			Host           string `yaml:"host"`
			Port           int    `yaml:"port"`
			User           string `yaml:"user"`
			KeyPath        string `yaml:"key_path"`
			KnownHosts     string `yaml:"known_hosts"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
			Retries        int    `yaml:"retries"`
		} `yaml:"ssh"`
	} `yaml:"cluster"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// DefaultConfig is used when no config file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.Mode = ModeLocal
	cfg.Tag = "current"
	cfg.PollInterval = DefaultPollInterval
	cfg.RuntimesFile = DefaultRuntimesFile
	cfg.HistoryDB = DefaultHistoryDB
	cfg.EnvFile = DefaultEnvFile
	cfg.Discovery.Extensions = task.DefaultExtensions()
	cfg.Discovery.Blacklist = task.DefaultBlacklist()
	cfg.Discovery.Baseline = task.DefaultBaselinePackage
	cfg.Local.MaxProcesses = backend.DefaultMaxProcesses
	cfg.Local.ResultsDir = "results"
	cfg.Cluster.Transport = TransportShared
	cfg.Cluster.SubmitCommand = backend.DefaultSubmitCommand
	cfg.Cluster.WorkDir = "results"
	cfg.Cluster.Retry = backend.DefaultRetryConfig()
	cfg.Cluster.SSH.Port = 22
	cfg.Cluster.SSH.TimeoutSeconds = 30
	cfg.Cluster.SSH.Retries = 2
	cfg.Logging.Level = "info"
	cfg.Logging.File = logging.DefaultFile
	cfg.Telemetry.Enabled = true
	return cfg
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/valrun/config.yaml or
// ~/.config/valrun/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "valrun", "config.yaml")
}

// LoadConfig reads YAML configuration on top of DefaultConfig. If path is
// empty the default location is used, and a missing file there is not an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
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
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeCluster:
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, ModeLocal, ModeCluster)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if c.Local.MaxProcesses < 0 {
		return fmt.Errorf("local.max_processes must not be negative")
	}
	if c.Cluster.MaxJobs < 0 {
		return fmt.Errorf("cluster.max_jobs must not be negative")
	}
	switch c.Cluster.Transport {
	case TransportShared:
	case TransportSSH:
		if c.Cluster.SSH.Host == "" {
			return fmt.Errorf("cluster.ssh.host is required for the ssh transport")
		}
	default:
		return fmt.Errorf("unknown cluster transport %q", c.Cluster.Transport)
	}
	return nil
}

// DiscoverOptions turns the release and discovery sections into discovery input.
func (c Config) DiscoverOptions() task.DiscoverOptions {
	return task.DiscoverOptions{
		LocalDir:   c.Release.LocalDir,
		CentralDir: c.Release.CentralDir,
		Packages:   c.Discovery.Packages,
		Extensions: c.Discovery.Extensions,
		Blacklist:  c.Discovery.Blacklist,
	}
}
