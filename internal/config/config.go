package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	MediaRoot string `toml:"media_root"`
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
}

// PathMapping rewrites a local prefix into a remote prefix.
type PathMapping struct {
	Local  string `toml:"local"`
	Remote string `toml:"remote"`
}

// Drive contains configuration for the remote cloud-drive API.
type Drive struct {
	BaseURL        string `toml:"base_url"`
	Cookie         string `toml:"cookie"`
	RequestTimeout int    `toml:"request_timeout"`
	UploadTimeout  int    `toml:"upload_timeout"`
	MaxRetries     int    `toml:"max_retries"`
}

// Upload contains configuration for the upload worker pool.
type Upload struct {
	Workers           int           `toml:"workers"`
	QueueSize         int           `toml:"queue_size"`
	Mappings          []PathMapping `toml:"mappings"`
	DeleteAfterUpload bool          `toml:"delete_after_upload"`
}

// Share contains configuration for share creation and access policy.
type Share struct {
	Enabled            bool     `toml:"enabled"`
	MovieRootFolderID  string   `toml:"movie_root_folder_id"`
	TVRootFolderID     string   `toml:"tv_root_folder_id"`
	PasswordStrategy   string   `toml:"password_strategy"`
	PasswordValue      string   `toml:"password_value"`
	PasswordList       []string `toml:"password_list"`
	FolderDurationDays int      `toml:"folder_duration_days"`
	FileDurationDays   int      `toml:"file_duration_days"`
	ReceiveLimit       int      `toml:"receive_limit"`
	LoginFreeDownload  bool     `toml:"login_free_download"`
	TrafficCapGiB      int      `toml:"traffic_cap_gib"`
	AllowedRecipients  []string `toml:"allowed_recipients"`
}

// Reconciler contains configuration for the self-healing sweep.
type Reconciler struct {
	IntervalSeconds int  `toml:"interval_seconds"`
	RescueScan      bool `toml:"rescue_scan"`
	MaxRetries      int  `toml:"max_retries"`
	TaskTimeoutHrs  int  `toml:"task_timeout_hours"`
	OrganizedMarker bool `toml:"organized_marker"`
}

// Violations contains configuration for the share-violation monitor.
type Violations struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	MessageLimit    int  `toml:"message_limit"`
	RetryAfterDays  int  `toml:"retry_after_days"`
}

// Notifications contains configuration for share notifications.
type Notifications struct {
	TelegramBotToken string `toml:"telegram_bot_token"`
	TelegramChatID   string `toml:"telegram_chat_id"`
	RequestTimeout   int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for skylift.
//
// Configuration sections by subsystem:
//   - Paths: local media root, data/log directories, API bind address
//   - Drive: remote cloud-drive API connection
//   - Upload: worker pool sizing and local-to-remote path mappings
//   - Share: share creation, password strategy, and access policy
//   - Reconciler: sweep interval, rescue scan, and retry budget
//   - Violations: share-violation monitor
//   - Notifications: telegram share notifications
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Drive         Drive         `toml:"drive"`
	Upload        Upload        `toml:"upload"`
	Share         Share         `toml:"share"`
	Reconciler    Reconciler    `toml:"reconciler"`
	Violations    Violations    `toml:"violations"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/skylift/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
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

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("skylift.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
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
