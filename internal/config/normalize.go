package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDrive()
	c.normalizeUpload()
	c.normalizeShare()
	c.normalizeReconciler()
	c.normalizeViolations()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.MediaRoot, err = expandPath(c.Paths.MediaRoot); err != nil {
		return fmt.Errorf("paths.media_root: %w", err)
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	return nil
}

func (c *Config) normalizeDrive() {
	c.Drive.BaseURL = strings.TrimRight(strings.TrimSpace(c.Drive.BaseURL), "/")
	c.Drive.Cookie = strings.TrimSpace(c.Drive.Cookie)
	if c.Drive.RequestTimeout <= 0 {
		c.Drive.RequestTimeout = defaultDriveRequestTimeout
	}
	if c.Drive.UploadTimeout <= 0 {
		c.Drive.UploadTimeout = defaultDriveUploadTimeout
	}
	if c.Drive.MaxRetries <= 0 {
		c.Drive.MaxRetries = defaultDriveMaxRetries
	}
}

func (c *Config) normalizeUpload() {
	if c.Upload.Workers <= 0 {
		c.Upload.Workers = defaultUploadWorkers
	}
	if c.Upload.QueueSize <= 0 {
		c.Upload.QueueSize = defaultUploadQueueSize
	}
	mappings := c.Upload.Mappings[:0]
	for _, m := range c.Upload.Mappings {
		local := strings.TrimSpace(m.Local)
		remote := strings.TrimSpace(m.Remote)
		if local == "" || remote == "" {
			continue
		}
		mappings = append(mappings, PathMapping{
			Local:  filepath.Clean(local),
			Remote: strings.TrimRight(remote, "/"),
		})
	}
	c.Upload.Mappings = mappings
}

func (c *Config) normalizeShare() {
	c.Share.PasswordStrategy = strings.ToLower(strings.TrimSpace(c.Share.PasswordStrategy))
	if c.Share.PasswordStrategy == "" {
		c.Share.PasswordStrategy = defaultPasswordStrategy
	}
	c.Share.MovieRootFolderID = strings.TrimSpace(c.Share.MovieRootFolderID)
	c.Share.TVRootFolderID = strings.TrimSpace(c.Share.TVRootFolderID)
	if c.Share.FileDurationDays < 0 {
		c.Share.FileDurationDays = 0
	}
	if c.Share.FolderDurationDays < 0 {
		c.Share.FolderDurationDays = 0
	}
}

func (c *Config) normalizeReconciler() {
	if c.Reconciler.IntervalSeconds <= 0 {
		c.Reconciler.IntervalSeconds = defaultReconcileInterval
	}
	if c.Reconciler.MaxRetries <= 0 {
		c.Reconciler.MaxRetries = defaultReconcileRetries
	}
	if c.Reconciler.TaskTimeoutHrs <= 0 {
		c.Reconciler.TaskTimeoutHrs = defaultTaskTimeoutHours
	}
}

func (c *Config) normalizeViolations() {
	if c.Violations.IntervalSeconds <= 0 {
		c.Violations.IntervalSeconds = defaultViolationInterval
	}
	if c.Violations.MessageLimit <= 0 {
		c.Violations.MessageLimit = defaultViolationMsgLimit
	}
	if c.Violations.RetryAfterDays <= 0 {
		c.Violations.RetryAfterDays = defaultViolationRetryDays
	}
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
}
