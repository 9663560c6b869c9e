// ABOUTME: Configuration loading and parsing for the cryptostore CLI
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion and CRYPTOSTORE_ environment overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// EnvPrefix prefixes every environment override, e.g. CRYPTOSTORE_STORE_DIR
const EnvPrefix = "CRYPTOSTORE_"

// Config represents the complete cryptostore configuration
type Config struct {
	Store   StoreConfig   `yaml:"store" toml:"store" envPrefix:"STORE_"`
	Account AccountConfig `yaml:"account" toml:"account" envPrefix:"ACCOUNT_"`
	KDF     KDFConfig     `yaml:"kdf" toml:"kdf" envPrefix:"KDF_"`
	Logging LoggingConfig `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

// StoreConfig locates the database and selects how it is opened
type StoreConfig struct {
	Dir        string `yaml:"dir" toml:"dir" env:"DIR"`
	Driver     string `yaml:"driver" toml:"driver" env:"DRIVER"`
	Passphrase string `yaml:"passphrase" toml:"passphrase" env:"PASSPHRASE"`

	BusyTimeout    time.Duration `yaml:"-" toml:"-"`
	BusyTimeoutRaw string        `yaml:"busy_timeout" toml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// AccountConfig names the local account the store belongs to
type AccountConfig struct {
	UserID   string `yaml:"user_id" toml:"user_id" env:"USER_ID"`
	DeviceID string `yaml:"device_id" toml:"device_id" env:"DEVICE_ID"`
}

// KDFConfig holds argon2id parameters for wrapping a new pickle key.
// Zero values leave the store defaults in place.
type KDFConfig struct {
	Time      uint32 `yaml:"time" toml:"time" env:"TIME"`
	MemoryKiB uint32 `yaml:"memory_kib" toml:"memory_kib" env:"MEMORY_KIB"`
	Threads   uint8  `yaml:"threads" toml:"threads" env:"THREADS"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "sqlite"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML. Environment
// variables in the format ${VAR_NAME} are expanded, then CRYPTOSTORE_* variables
// override individual fields. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw content
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}

	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}

	if c.Account.UserID == "" {
		return fmt.Errorf("account.user_id is required")
	}
	if _, _, err := id.UserID(c.Account.UserID).Parse(); err != nil {
		return fmt.Errorf("account.user_id is not a valid user id: %w", err)
	}
	if c.Account.DeviceID == "" {
		return fmt.Errorf("account.device_id is required")
	}

	// All or nothing: a partial KDF block would silently mix with defaults
	k := c.KDF
	if k != (KDFConfig{}) && (k.Time == 0 || k.MemoryKiB == 0 || k.Threads == 0) {
		return fmt.Errorf("kdf.time, kdf.memory_kib and kdf.threads must be set together")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Store.BusyTimeoutRaw == "" {
		return nil
	}

	d, err := time.ParseDuration(cfg.Store.BusyTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Store.BusyTimeoutRaw, err)
	}
	if d < 0 {
		return fmt.Errorf("busy_timeout %q must not be negative", cfg.Store.BusyTimeoutRaw)
	}
	cfg.Store.BusyTimeout = d
	return nil
}
