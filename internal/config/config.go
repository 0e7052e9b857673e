// Package config loads stowage configuration.
//
// Configuration is resolved in precedence order: explicit flags set by
// the caller, STOWAGE_* environment variables, a stowage.yaml file in
// the data directory, then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all stowage settings.
type Config struct {
	// DataDir is the directory holding the flat store, object store
	// and config file.
	DataDir string `mapstructure:"data_dir"`

	// FlatFile is the flat key/value store filename inside DataDir.
	FlatFile string `mapstructure:"flat_file"`

	// ObjectsFile is the object store database filename inside DataDir.
	ObjectsFile string `mapstructure:"objects_file"`

	// BackupStore is the object store name holding pre-migration backups.
	BackupStore string `mapstructure:"backup_store"`

	// PromotableKeys are the base key names carried over during
	// anonymous-to-user promotion.
	PromotableKeys []string `mapstructure:"promotable_keys"`

	// ServePort is the event server listen port.
	ServePort int `mapstructure:"serve_port"`

	// DebounceMs is the watcher debounce interval in milliseconds.
	DebounceMs int `mapstructure:"debounce_ms"`

	// LogFile enables rotated file logging when set.
	LogFile string `mapstructure:"log_file"`
}

// ConfigFileName is the per-directory config file stowage looks for.
const ConfigFileName = "stowage.yaml"

// DefaultDataDir returns the default data directory, ~/.stowage.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stowage"
	}
	return filepath.Join(home, ".stowage")
}

// setDefaults registers built-in defaults on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("flat_file", "prefs.json")
	v.SetDefault("objects_file", "objects.db")
	v.SetDefault("backup_store", "backups")
	v.SetDefault("promotable_keys", []string{"notifications", "language", "theme"})
	v.SetDefault("serve_port", 7341)
	v.SetDefault("debounce_ms", 200)
	v.SetDefault("log_file", "")
}

// Load resolves configuration. dataDir overrides the data directory
// when non-empty (typically from a --data-dir flag); the config file,
// if present, is read from the resolved data directory.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STOWAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}

	cfgPath := filepath.Join(v.GetString("data_dir"), ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgPath, err)
		}
		// A data_dir set inside the file never relocates the directory
		// the file was found in.
		if dataDir != "" {
			v.Set("data_dir", dataDir)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.FlatFile == "" || cfg.ObjectsFile == "" {
		return nil, fmt.Errorf("flat_file and objects_file must not be empty")
	}
	if cfg.BackupStore == "" {
		return nil, fmt.Errorf("backup_store must not be empty")
	}

	return &cfg, nil
}

// FlatPath returns the absolute path of the flat store file.
func (c *Config) FlatPath() string {
	return filepath.Join(c.DataDir, c.FlatFile)
}

// ObjectsPath returns the absolute path of the object store database.
func (c *Config) ObjectsPath() string {
	return filepath.Join(c.DataDir, c.ObjectsFile)
}
