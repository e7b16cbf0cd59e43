package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses CACHEFS_CONFIG_DIR env var if set, otherwise defaults to ~/.cachefs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("CACHEFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cachefs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultCacheDir returns the default cache directory path.
func DefaultCacheDir() string {
	return filepath.Join(getConfigDir(), "cache")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// Config holds process-wide settings for the caching device.
type Config struct {
	CacheDir          string `yaml:"cache_dir"`           // default: {config_dir}/cache
	ManifestFile      string `yaml:"manifest"`            // resource entry lists (YAML)
	HandleCapacity    int    `yaml:"handle_capacity"`     // fixed handle table size, default 512
	DownloadSlots     int    `yaml:"download_slots"`      // concurrent transfer slots, default 4
	BlockingPrefix    string `yaml:"blocking_prefix"`     // default: "cache:/"
	NonBlockingPrefix string `yaml:"nonblocking_prefix"`  // default: "cache_nb:/"
	Logging           string `yaml:"logging"`             // logging level: none, debug, info, trace (case insensitive)
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if cfg.HandleCapacity == 0 {
		cfg.HandleCapacity = 512
	}
	if cfg.DownloadSlots == 0 {
		cfg.DownloadSlots = 4
	}
	if cfg.BlockingPrefix == "" {
		cfg.BlockingPrefix = "cache:/"
	}
	if cfg.NonBlockingPrefix == "" {
		cfg.NonBlockingPrefix = "cache_nb:/"
	}
}

// LoggingEnabled returns whether logging is enabled (any level other than "none" or empty).
func (cfg *Config) LoggingEnabled() bool {
	level := strings.ToLower(cfg.Logging)
	return level != "" && level != "none"
}

// LogLevel returns the normalized (lowercase) logging level.
// Returns empty string if logging is disabled.
func (cfg *Config) LogLevel() string {
	return strings.ToLower(cfg.Logging)
}

// Load reads the config from the default path. A missing file yields
// defaults rather than an error.
func Load() (*Config, error) {
	return LoadFromPath(Path())
}

// LoadFromPath loads the config from a specific file path.
// Returns defaults if the config file does not exist.
func LoadFromPath(configPath string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes the config to the default path.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# cachefs settings\n# See: cachefs --help\n\n")
	return os.WriteFile(Path(), append(header, data...), 0600)
}
