package config

const (
	defaultMediaRoot           = "~/media"
	defaultDataDir             = "~/.local/share/skylift"
	defaultLogDir              = "~/.local/share/skylift/logs"
	defaultAPIBind             = "127.0.0.1:7315"
	defaultDriveBaseURL        = "https://proapi.115.com"
	defaultDriveRequestTimeout = 30
	defaultDriveUploadTimeout  = 1800
	defaultDriveMaxRetries     = 3
	defaultUploadWorkers       = 3
	defaultUploadQueueSize     = 256
	defaultPasswordStrategy    = "keep_initial"
	defaultFolderDurationDays  = 0
	defaultFileDurationDays    = 7
	defaultReconcileInterval   = 300
	defaultReconcileRetries    = 3
	defaultTaskTimeoutHours    = 24
	defaultViolationInterval   = 3600
	defaultViolationMsgLimit   = 100
	defaultViolationRetryDays  = 30
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			MediaRoot: defaultMediaRoot,
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Drive: Drive{
			BaseURL:        defaultDriveBaseURL,
			RequestTimeout: defaultDriveRequestTimeout,
			UploadTimeout:  defaultDriveUploadTimeout,
			MaxRetries:     defaultDriveMaxRetries,
		},
		Upload: Upload{
			Workers:   defaultUploadWorkers,
			QueueSize: defaultUploadQueueSize,
		},
		Share: Share{
			Enabled:            true,
			PasswordStrategy:   defaultPasswordStrategy,
			FolderDurationDays: defaultFolderDurationDays,
			FileDurationDays:   defaultFileDurationDays,
		},
		Reconciler: Reconciler{
			IntervalSeconds: defaultReconcileInterval,
			RescueScan:      true,
			MaxRetries:      defaultReconcileRetries,
			TaskTimeoutHrs:  defaultTaskTimeoutHours,
			OrganizedMarker: true,
		},
		Violations: Violations{
			IntervalSeconds: defaultViolationInterval,
			MessageLimit:    defaultViolationMsgLimit,
			RetryAfterDays:  defaultViolationRetryDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
