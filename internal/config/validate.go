package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownPasswordStrategies = map[string]struct{}{
	"keep_initial":    {},
	"fixed":           {},
	"random_list":     {},
	"empty":           {},
	"random_generate": {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDrive(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateShare(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDrive() error {
	if c.Drive.BaseURL == "" {
		return errors.New("drive.base_url must be set")
	}
	if !strings.HasPrefix(c.Drive.BaseURL, "http://") && !strings.HasPrefix(c.Drive.BaseURL, "https://") {
		return fmt.Errorf("drive.base_url %q must be an http(s) URL", c.Drive.BaseURL)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.Workers > 16 {
		return fmt.Errorf("upload.workers %d exceeds the maximum of 16", c.Upload.Workers)
	}
	for _, m := range c.Upload.Mappings {
		if !strings.HasPrefix(m.Remote, "/") {
			return fmt.Errorf("upload.mappings: remote prefix %q must be absolute", m.Remote)
		}
	}
	return nil
}

func (c *Config) validateShare() error {
	if _, ok := knownPasswordStrategies[c.Share.PasswordStrategy]; !ok {
		return fmt.Errorf("share.password_strategy %q is not recognized", c.Share.PasswordStrategy)
	}
	if c.Share.PasswordStrategy == "fixed" && len(c.Share.PasswordValue) != 4 {
		return errors.New("share.password_value must be exactly 4 characters for the fixed strategy")
	}
	if c.Share.PasswordStrategy == "random_list" && len(c.Share.PasswordList) == 0 {
		return errors.New("share.password_list must not be empty for the random_list strategy")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	return nil
}
