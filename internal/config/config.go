// Package config layers runtime configuration: defaults, then an optional
// TOML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort     = 3000
	DefaultLogLevel = "info"

	tokenSecretEnvKey = "TOKEN_SECRET"
	storageEnvKey     = "STORAGE"
	portEnvKey        = "PORT"
	logLevelEnvKey    = "REFSYNC_LOG_LEVEL"
	configDirEnvKey   = "REFSYNC_CONFIG_DIR"

	configFileName = ".refsync.toml"
)

// Config defines runtime configuration for refsync.
type Config struct {
	Port        int    `toml:"port"`
	StorageRoot string `toml:"storage_root"`
	TokenSecret string `toml:"token_secret"`
	LogLevel    string `toml:"log_level"`
}

// Default returns default configuration values. The storage root defaults to
// a per-user data directory.
func Default() Config {
	return Config{
		Port:        DefaultPort,
		StorageRoot: defaultStorageRoot(),
		LogLevel:    DefaultLogLevel,
	}
}

// Load resolves the effective configuration. Environment variables win over
// the config file, which wins over defaults.
func Load() (Config, error) {
	cfg := Default()

	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	if err := loadFileIfExists(path, &cfg); err != nil {
		return cfg, err
	}

	if secret := strings.TrimSpace(os.Getenv(tokenSecretEnvKey)); secret != "" {
		cfg.TokenSecret = secret
	}
	if root := strings.TrimSpace(os.Getenv(storageEnvKey)); root != "" {
		cfg.StorageRoot = root
	}
	if raw := strings.TrimSpace(os.Getenv(portEnvKey)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return cfg, fmt.Errorf("invalid %s=%q", portEnvKey, raw)
		}
		cfg.Port = port
	}
	if level := strings.TrimSpace(os.Getenv(logLevelEnvKey)); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// ListenAddr returns the host:port the server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func configPath() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return filepath.Join(dir, configFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

func loadFileIfExists(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "refsync-storage")
	}
	return filepath.Join(home, ".local", "share", "refsync")
}
