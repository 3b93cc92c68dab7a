// Package config holds netuidfetch configuration: built-in defaults, an
// optional YAML file, and environment overrides. CLI flags are applied last by
// the cli package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// NetuidPlaceholder is replaced with the identifier in Tool.FetchArgs.
const NetuidPlaceholder = "{netuid}"

// Environment variables read by ApplyEnv and ResolvePath.
const (
	EnvConfig    = "NETUIDFETCH_CONFIG"
	EnvJobs      = "NETUIDFETCH_JOBS"
	EnvOutDir    = "NETUIDFETCH_OUTDIR"
	EnvTool      = "NETUIDFETCH_TOOL"
	EnvLogLevel  = "NETUIDFETCH_LOG_LEVEL"
	EnvLogFormat = "NETUIDFETCH_LOG_FORMAT"
)

// Config is the effective configuration for one invocation.
type Config struct {
	Fetch    FetchConfig    `yaml:"fetch"`
	Tool     ToolConfig     `yaml:"tool"`
	SlowLane SlowLaneConfig `yaml:"slow_lane"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// FetchConfig controls the first dispatch pass.
type FetchConfig struct {
	Start        int           `yaml:"start"`
	End          int           `yaml:"end"`
	Jobs         int           `yaml:"jobs"`
	OutDir       string        `yaml:"outdir"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	Backoff      time.Duration `yaml:"backoff"`
	QPS          float64       `yaml:"qps"`
	Shuffle      bool          `yaml:"shuffle"`
	Discover     bool          `yaml:"discover"`
	FailExitCode int           `yaml:"fail_exit_code"`
}

// ToolConfig describes the external command.
type ToolConfig struct {
	Command     string   `yaml:"command"`
	FetchArgs   []string `yaml:"fetch_args"`
	ListArgs    []string `yaml:"list_args"`
	VersionArgs []string `yaml:"version_args"`
	MinVersion  string   `yaml:"min_version,omitempty"`
	// Env holds KEY=VALUE pairs added to the tool's environment.
	Env []string `yaml:"env,omitempty"`
}

// SlowLaneConfig controls the second pass over items that failed the first.
type SlowLaneConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Jobs       int           `yaml:"jobs"`
	QPS        float64       `yaml:"qps"`
	Retries    int           `yaml:"retries"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MinTimeout time.Duration `yaml:"min_timeout"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
	Caller bool   `yaml:"caller,omitempty"`
}

// New returns the built-in defaults.
func New() *Config {
	return &Config{
		Fetch: FetchConfig{
			Start:        1,
			End:          128,
			Jobs:         10,
			OutDir:       "netuid_data",
			Timeout:      20 * time.Second,
			Retries:      3,
			Backoff:      time.Second,
			QPS:          3.0,
			FailExitCode: 2,
		},
		Tool: ToolConfig{
			Command:     "btcli",
			FetchArgs:   []string{"s", "show", "--json-out", "--netuid", NetuidPlaceholder},
			ListArgs:    []string{"s", "list", "--json-out"},
			VersionArgs: []string{"--version"},
		},
		SlowLane: SlowLaneConfig{
			Enabled:    true,
			Jobs:       2,
			QPS:        1.0,
			Retries:    3,
			MinBackoff: 1500 * time.Millisecond,
			MinTimeout: 25 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns ~/.netuidfetch/config.yaml, or "" when the home
// directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".netuidfetch", "config.yaml")
}

// ResolvePath picks the config file path: flag, then NETUIDFETCH_CONFIG, then
// DefaultPath.
func ResolvePath(flagValue string, lookupEnv func(string) (string, bool)) string {
	if flagValue != "" {
		return flagValue
	}
	if v, ok := lookupEnv(EnvConfig); ok && v != "" {
		return v
	}
	return DefaultPath()
}

// Load returns defaults overlaid with the YAML file at path. A missing file
// is not an error unless required is true.
func Load(path string, required bool) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := ShallowMergeYAML(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv(EnvJobs); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, EnvJobs, v)
		}
		c.Fetch.Jobs = n
	}
	if v, ok := lookupEnv(EnvOutDir); ok && v != "" {
		c.Fetch.OutDir = v
	}
	if v, ok := lookupEnv(EnvTool); ok && v != "" {
		c.Tool.Command = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookupEnv(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	return nil
}

// Validate checks the values that would make a run impossible.
// A start greater than end is valid and yields an empty range.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Fetch.Jobs < 1 {
		add("fetch.jobs must be >= 1, got %d", c.Fetch.Jobs)
	}
	if c.Fetch.Retries < 1 {
		add("fetch.retries must be >= 1, got %d", c.Fetch.Retries)
	}
	if c.Fetch.Timeout < 0 {
		add("fetch.timeout must be >= 0, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.Backoff < 0 {
		add("fetch.backoff must be >= 0, got %s", c.Fetch.Backoff)
	}
	if c.Fetch.QPS < 0 {
		add("fetch.qps must be >= 0, got %g", c.Fetch.QPS)
	}
	if strings.TrimSpace(c.Fetch.OutDir) == "" {
		add("fetch.outdir must not be empty")
	}
	if c.Fetch.FailExitCode < 0 || c.Fetch.FailExitCode > 255 {
		add("fetch.fail_exit_code must be between 0 and 255, got %d", c.Fetch.FailExitCode)
	}
	if strings.TrimSpace(c.Tool.Command) == "" {
		add("tool.command must not be empty")
	}
	for _, kv := range c.Tool.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			add("tool.env entries must be KEY=VALUE, got %q", kv)
		}
	}
	if c.SlowLane.Enabled {
		if c.SlowLane.Jobs < 1 {
			add("slow_lane.jobs must be >= 1, got %d", c.SlowLane.Jobs)
		}
		if c.SlowLane.Retries < 1 {
			add("slow_lane.retries must be >= 1, got %d", c.SlowLane.Retries)
		}
		if c.SlowLane.QPS < 0 {
			add("slow_lane.qps must be >= 0, got %g", c.SlowLane.QPS)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// Save writes cfg as YAML to path, creating parent directories. It refuses to
// overwrite an existing file unless force is set.
func (c *Config) Save(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}
