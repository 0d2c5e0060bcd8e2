package config

const (
	defaultDataDir              = "~/.local/share/sitepipe"
	defaultLogDir               = "~/.local/share/sitepipe/logs"
	defaultArtifactsDir         = "~/.local/share/sitepipe/artifacts"
	defaultAPIBind              = "127.0.0.1:7610"
	defaultDatabaseDriver       = "sqlite"
	defaultBusyTimeoutMS        = 5000
	defaultDispatchWorkers      = 4
	defaultPollIntervalMS       = 500
	defaultMaxAttempts          = 5
	defaultRetryInitialMS       = 1000
	defaultRetryMaxMS           = 60000
	defaultHeartbeatInterval    = 15
	defaultLeaseTimeout         = 120
	defaultReconcileInterval    = 60
	defaultReconcileStaleAfter  = 900
	defaultReconcileMinArtifact = 1
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 14
	defaultMetricsPath          = "/metrics"
	defaultNotifyTimeout        = 10

	// ModeSingleton dispatches exactly one job for the stage.
	ModeSingleton = "singleton"
	// ModeFanout dispatches one job per artifact of the previous stage.
	ModeFanout = "fanout"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			LogDir:       defaultLogDir,
			ArtifactsDir: defaultArtifactsDir,
			APIBind:      defaultAPIBind,
		},
		Database: Database{
			Driver:        defaultDatabaseDriver,
			BusyTimeoutMS: defaultBusyTimeoutMS,
		},
		Dispatch: Dispatch{
			Workers:           defaultDispatchWorkers,
			PollIntervalMS:    defaultPollIntervalMS,
			MaxAttempts:       defaultMaxAttempts,
			RetryInitialMS:    defaultRetryInitialMS,
			RetryMaxMS:        defaultRetryMaxMS,
			HeartbeatInterval: defaultHeartbeatInterval,
			LeaseTimeout:      defaultLeaseTimeout,
			CoordinateInline:  true,
		},
		Reconciler: Reconciler{
			Enabled:      true,
			Interval:     defaultReconcileInterval,
			StaleAfter:   defaultReconcileStaleAfter,
			MinArtifacts: defaultReconcileMinArtifact,
		},
		Stages: defaultStages(),
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Telemetry: Telemetry{
			MetricsPath: defaultMetricsPath,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
	}
}

func defaultStages() map[string]Stage {
	return map[string]Stage{
		"fetch":   {Mode: ModeSingleton, Timeout: 1800},
		"ocr":     {Mode: ModeFanout, Timeout: 900},
		"compile": {Mode: ModeSingleton, Timeout: 900},
		"extract": {Mode: ModeFanout, Timeout: 900},
		"deploy":  {Mode: ModeSingleton, Timeout: 600},
	}
}
