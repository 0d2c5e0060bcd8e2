package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var pipelineStageNames = []string{"fetch", "ocr", "compile", "extract", "deploy"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateReconciler(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// ValidateRunnable checks the additional requirements for running the daemon:
// every pipeline stage needs a command to execute.
func (c *Config) ValidateRunnable() error {
	var missing []string
	for _, name := range pipelineStageNames {
		if len(c.StageConfig(name).Command) == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("stages without a command: %s (set stages.<name>.command)", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn is required for the postgres driver (or set SITEPIPE_DATABASE_DSN)")
		}
		return nil
	default:
		return fmt.Errorf("database.driver: unsupported value %q (use sqlite or postgres)", c.Database.Driver)
	}
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.RetryMaxMS < c.Dispatch.RetryInitialMS {
		return errors.New("dispatch.retry_max_ms must be >= dispatch.retry_initial_ms")
	}
	if c.Dispatch.LeaseTimeout <= c.Dispatch.HeartbeatInterval {
		return errors.New("dispatch.lease_timeout must be greater than dispatch.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateReconciler() error {
	if c.Reconciler.StaleAfter < c.Dispatch.HeartbeatInterval {
		return errors.New("reconciler.stale_after must be at least dispatch.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateStages() error {
	known := make(map[string]struct{}, len(pipelineStageNames))
	for _, name := range pipelineStageNames {
		known[name] = struct{}{}
	}
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("stages.%s: unknown stage (expected one of %s)", name, strings.Join(pipelineStageNames, ", "))
		}
		sc := c.Stages[name]
		switch sc.Mode {
		case ModeSingleton, ModeFanout:
		default:
			return fmt.Errorf("stages.%s.mode: unsupported value %q", name, sc.Mode)
		}
	}
	if c.StageConfig(pipelineStageNames[0]).Mode != ModeSingleton {
		return fmt.Errorf("stages.%s.mode must be %s: the first stage has no predecessor to fan out over", pipelineStageNames[0], ModeSingleton)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
