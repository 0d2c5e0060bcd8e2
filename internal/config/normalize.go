package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDatabase()
	c.normalizeDispatch()
	c.normalizeReconciler()
	c.normalizeStages()
	c.normalizeLogging()
	c.normalizeTelemetry()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactsDir) == "" {
		c.Paths.ArtifactsDir = defaultArtifactsDir
	}
	if c.Paths.ArtifactsDir, err = expandPath(c.Paths.ArtifactsDir); err != nil {
		return fmt.Errorf("paths.artifacts_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeDatabase() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDatabaseDriver
	}
	if c.Database.DSN == "" {
		if value, ok := os.LookupEnv("SITEPIPE_DATABASE_DSN"); ok {
			c.Database.DSN = strings.TrimSpace(value)
		}
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = defaultBusyTimeoutMS
	}
}

func (c *Config) normalizeDispatch() {
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = defaultDispatchWorkers
	}
	if c.Dispatch.PollIntervalMS <= 0 {
		c.Dispatch.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = defaultMaxAttempts
	}
	if c.Dispatch.RetryInitialMS <= 0 {
		c.Dispatch.RetryInitialMS = defaultRetryInitialMS
	}
	if c.Dispatch.RetryMaxMS <= 0 {
		c.Dispatch.RetryMaxMS = defaultRetryMaxMS
	}
	if c.Dispatch.HeartbeatInterval <= 0 {
		c.Dispatch.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Dispatch.LeaseTimeout <= 0 {
		c.Dispatch.LeaseTimeout = defaultLeaseTimeout
	}
}

func (c *Config) normalizeReconciler() {
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = defaultReconcileInterval
	}
	if c.Reconciler.StaleAfter <= 0 {
		c.Reconciler.StaleAfter = defaultReconcileStaleAfter
	}
	if c.Reconciler.MinArtifacts <= 0 {
		c.Reconciler.MinArtifacts = defaultReconcileMinArtifact
	}
}

func (c *Config) normalizeStages() {
	defaults := defaultStages()
	if c.Stages == nil {
		c.Stages = make(map[string]Stage, len(defaults))
	}
	normalized := make(map[string]Stage, len(c.Stages))
	for name, sc := range c.Stages {
		normalized[strings.ToLower(strings.TrimSpace(name))] = sc
	}
	for name, def := range defaults {
		sc, ok := normalized[name]
		if !ok {
			normalized[name] = def
			continue
		}
		sc.Mode = strings.ToLower(strings.TrimSpace(sc.Mode))
		if sc.Mode == "" {
			sc.Mode = def.Mode
		}
		if sc.Timeout < 0 {
			sc.Timeout = 0
		}
		cmd := make([]string, 0, len(sc.Command))
		for _, arg := range sc.Command {
			if trimmed := strings.TrimSpace(arg); trimmed != "" {
				cmd = append(cmd, trimmed)
			}
		}
		sc.Command = cmd
		normalized[name] = sc
	}
	c.Stages = normalized
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.MetricsPath = strings.TrimSpace(c.Telemetry.MetricsPath)
	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = defaultMetricsPath
	}
	if !strings.HasPrefix(c.Telemetry.MetricsPath, "/") {
		c.Telemetry.MetricsPath = "/" + c.Telemetry.MetricsPath
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}
