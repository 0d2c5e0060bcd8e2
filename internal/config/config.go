package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	LogDir       string `toml:"log_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
	APIBind      string `toml:"api_bind"`
	// APIToken, when set, must accompany API requests as a bearer token.
	APIToken string `toml:"api_token"`
}

// Database selects the site record store backend.
type Database struct {
	// Driver is "sqlite" (default, single host) or "postgres" (fleet-wide).
	Driver string `toml:"driver"`
	// DSN is the postgres connection string. Ignored for sqlite, which lives
	// under paths.data_dir.
	DSN           string `toml:"dsn"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	MaxOpenConns  int    `toml:"max_open_conns"`
}

// Dispatch contains configuration for the durable job dispatcher.
type Dispatch struct {
	Workers           int  `toml:"workers"`
	PollIntervalMS    int  `toml:"poll_interval_ms"`
	MaxAttempts       int  `toml:"max_attempts"`
	RetryInitialMS    int  `toml:"retry_initial_ms"`
	RetryMaxMS        int  `toml:"retry_max_ms"`
	HeartbeatInterval int  `toml:"heartbeat_interval"`
	LeaseTimeout      int  `toml:"lease_timeout"`
	CoordinateInline  bool `toml:"coordinate_inline"`
}

// Reconciler contains the tuning knobs for the periodic repair sweep.
type Reconciler struct {
	Enabled bool `toml:"enabled"`
	// Interval is the number of seconds between sweeps.
	Interval int `toml:"interval"`
	// StaleAfter is the number of seconds without a write after which a site
	// is considered stuck.
	StaleAfter int `toml:"stale_after"`
	// MinArtifacts is the evidence floor below which a finished stage is a
	// total failure rather than a partial one.
	MinArtifacts int `toml:"min_artifacts"`
}

// Stage configures one pipeline stage plugin.
type Stage struct {
	// Mode is "singleton" (one job per site) or "fanout" (one job per
	// artifact produced by the previous stage).
	Mode    string   `toml:"mode"`
	Command []string `toml:"command"`
	// Timeout bounds a single item run, in seconds. Zero disables the bound.
	Timeout int `toml:"timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// RetentionDays prunes daemon log files older than this many days. Zero
	// keeps everything.
	RetentionDays int `toml:"retention_days"`
}

// Telemetry toggles the metrics endpoint.
type Telemetry struct {
	Enabled     bool   `toml:"enabled"`
	MetricsPath string `toml:"metrics_path"`
}

// Notifications configures site outcome alerts.
type Notifications struct {
	// NtfyTopic is the full ntfy topic URL. Empty disables notifications.
	NtfyTopic string `toml:"ntfy_topic"`
	// RequestTimeout bounds a single publish, in seconds.
	RequestTimeout int `toml:"request_timeout"`
}

// Config encapsulates all configuration values for sitepipe.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Database: site record store backend
//   - Dispatch: worker pool sizing, retries and leases
//   - Reconciler: sweep interval and staleness threshold
//   - Stages: per-stage fan-out mode and plugin command
//   - Logging: log format and level
//   - Telemetry: metrics exposure
//   - Notifications: ntfy alerts for completed and failed sites
type Config struct {
	Paths      Paths            `toml:"paths"`
	Database   Database         `toml:"database"`
	Dispatch   Dispatch         `toml:"dispatch"`
	Reconciler Reconciler       `toml:"reconciler"`
	Stages     map[string]Stage `toml:"stages"`
	Logging    Logging          `toml:"logging"`
	Telemetry  Telemetry        `toml:"telemetry"`

	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sitepipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// resolveConfigPath picks the file Load reads. An explicit path is used as
// given, existing or not. Otherwise the user config wins over ./sitepipe.toml,
// and the user path is reported when neither exists.
func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		exists, err := isFile(expanded)
		return expanded, exists, err
	}

	userPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	localPath, err := filepath.Abs("sitepipe.toml")
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{userPath, localPath} {
		if ok, _ := isFile(candidate); ok {
			return candidate, true, nil
		}
	}
	return userPath, false, nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat config: %w", err)
	case info.IsDir():
		return false, fmt.Errorf("config path %s is a directory", path)
	}
	return true, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ArtifactsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the sqlite database file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "sitepipe.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "sitepipe.lock")
}

// PIDPath returns the file the running daemon records its process ID in.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "sitepipe.pid")
}

// StageConfig returns the configuration for a stage name, falling back to the
// repository default when the file does not mention it.
func (c *Config) StageConfig(name string) Stage {
	if sc, ok := c.Stages[name]; ok {
		return sc
	}
	return defaultStages()[name]
}

// PollInterval returns the dispatcher idle poll interval.
func (d Dispatch) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// RetryInitial returns the first redelivery delay.
func (d Dispatch) RetryInitial() time.Duration {
	return time.Duration(d.RetryInitialMS) * time.Millisecond
}

// RetryMax returns the redelivery delay ceiling.
func (d Dispatch) RetryMax() time.Duration {
	return time.Duration(d.RetryMaxMS) * time.Millisecond
}

// Heartbeat returns the job lease heartbeat interval.
func (d Dispatch) Heartbeat() time.Duration {
	return time.Duration(d.HeartbeatInterval) * time.Second
}

// Lease returns how long a running job may go without a heartbeat before it is
// handed to another worker.
func (d Dispatch) Lease() time.Duration {
	return time.Duration(d.LeaseTimeout) * time.Second
}

// SweepInterval returns the time between reconciler sweeps.
func (r Reconciler) SweepInterval() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// StaleThreshold returns the staleness threshold applied to site updated_at.
func (r Reconciler) StaleThreshold() time.Duration {
	return time.Duration(r.StaleAfter) * time.Second
}

// RunTimeout returns the per-item execution bound for a stage command.
func (s Stage) RunTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return "", nil
	}
	if pathValue == "~" || strings.HasPrefix(pathValue, "~/") || strings.HasPrefix(pathValue, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		pathValue = home + pathValue[1:]
	}
	absolute, err := filepath.Abs(pathValue)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
