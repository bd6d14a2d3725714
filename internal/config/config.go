// Package config loads tether settings from the workspace metadata
// directory and the environment.
//
// Settings come from .tether/config.yaml, overridable by TETHER_* environment
// variables (TETHER_POLL_INTERVAL, TETHER_DEBOUNCE, and so on). Everything
// has a working default; a workspace with an empty config file syncs fine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// MetaDirName is the per-workspace metadata directory at the sync root.
const MetaDirName = ".tether"

// Config is the resolved tether configuration for one workspace.
type Config struct {
	// Root is the absolute sync root (the directory holding .tether/).
	Root string `mapstructure:"-"`

	// CredentialsFile is the OAuth client secrets JSON path.
	CredentialsFile string `mapstructure:"credentials_file"`

	// TokenFile is the saved OAuth token JSON path.
	TokenFile string `mapstructure:"token_file"`

	// ExportMIME is the export format for native remote documents.
	ExportMIME string `mapstructure:"export_mime"`

	// RemoteParent scopes newly created remote files under this folder ID.
	RemoteParent string `mapstructure:"remote_parent"`

	// PollInterval is the remote change-feed poll cadence in watch mode.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Debounce is the local watcher quiet period before a burst flushes.
	Debounce time.Duration `mapstructure:"debounce"`

	// DownloadWorkers bounds concurrent remote reads per pass.
	DownloadWorkers int `mapstructure:"download_workers"`

	// UploadWorkers bounds concurrent remote writes per pass.
	UploadWorkers int `mapstructure:"upload_workers"`

	// IgnorePatterns adds workspace-specific glob patterns to the built-in
	// transient filter.
	IgnorePatterns []string `mapstructure:"ignore_patterns"`

	// LogMaxSizeMB, LogMaxBackups, and LogMaxAgeDays bound the rotated
	// daemon log in .tether/tether.log.
	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
	LogMaxAgeDays int `mapstructure:"log_max_age_days"`
}

// MetaDir returns the workspace metadata directory.
func (c *Config) MetaDir() string {
	return filepath.Join(c.Root, MetaDirName)
}

// StatePath returns the tracked-file database path.
func (c *Config) StatePath() string {
	return filepath.Join(c.MetaDir(), "state.db")
}

// LogPath returns the rotated daemon log path.
func (c *Config) LogPath() string {
	return filepath.Join(c.MetaDir(), "tether.log")
}

// TrashDir returns the local holding area for remotely deleted files.
func (c *Config) TrashDir() string {
	return filepath.Join(c.MetaDir(), "trash")
}

// FindRoot walks up from dir looking for a directory containing .tether/.
// Returns "" when none is found.
func FindRoot(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		info, err := os.Stat(filepath.Join(abs, MetaDirName))
		if err == nil && info.IsDir() {
			return abs
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return ""
		}
		abs = parent
	}
}

// Load reads the workspace configuration rooted at root, applying defaults
// and TETHER_* environment overrides. A missing config file is not an error.
func Load(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(abs, MetaDirName))
	v.SetEnvPrefix("TETHER")
	v.AutomaticEnv()

	v.SetDefault("credentials_file", filepath.Join(abs, MetaDirName, "credentials.json"))
	v.SetDefault("token_file", filepath.Join(abs, MetaDirName, "token.json"))
	v.SetDefault("export_mime", "text/markdown")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("debounce", "750ms")
	v.SetDefault("download_workers", 8)
	v.SetDefault("upload_workers", 3)
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 30)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{Root: abs}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive")
	}
	if cfg.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive")
	}
	return cfg, nil
}

// Init creates the metadata directory and a starter config file. Safe to
// call on an already initialized workspace.
func Init(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	metaDir := filepath.Join(abs, MetaDirName)
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", metaDir, err)
	}

	cfgPath := filepath.Join(metaDir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		starter := `# tether workspace configuration
# credentials_file: .tether/credentials.json
# token_file: .tether/token.json
# export_mime: text/markdown
# poll_interval: 30s
# debounce: 750ms
# download_workers: 8
# upload_workers: 3
# ignore_patterns: []
`
		if err := os.WriteFile(cfgPath, []byte(starter), 0644); err != nil {
			return nil, fmt.Errorf("failed to write starter config: %w", err)
		}
	}

	return Load(abs)
}
