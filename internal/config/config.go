package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	blecrypto "github.com/chaz8081/wifiprov/internal/ble/crypto"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	BLE      BLEConfig    `yaml:"ble"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig selects the peripheral to commission.
type DeviceConfig struct {
	Address          string        `yaml:"address"`     // empty: discover and pick the strongest
	NamePrefix       string        `yaml:"name_prefix"` // advertised local name filter
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// BLEConfig holds link settings shared by every command.
type BLEConfig struct {
	AuthSecret       string        `yaml:"auth_secret"`
	OperationTimeout time.Duration `yaml:"operation_timeout"` // 0 disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wifiprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NamePrefix:       protocol.DefaultLocalName,
			DiscoveryTimeout: 5 * time.Second,
		},
		BLE: BLEConfig{
			AuthSecret:       blecrypto.DefaultAuthSecret,
			OperationTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Device.Address = strings.TrimSpace(cfg.Device.Address)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address != "" && !validAddress(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC address or UUID, got %q", c.Device.Address)
	}

	if c.Device.DiscoveryTimeout <= 0 {
		return fmt.Errorf("device.discovery_timeout must be > 0")
	}

	if c.BLE.AuthSecret == "" {
		return fmt.Errorf("ble.auth_secret must not be empty")
	}

	if c.BLE.OperationTimeout < 0 {
		return fmt.Errorf("ble.operation_timeout must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// validAddress accepts the colon-separated MAC form used on Linux and
// Windows and the 36-character peripheral UUID macOS reports instead.
func validAddress(addr string) bool {
	if len(addr) == 36 && strings.Count(addr, "-") == 4 {
		return true
	}
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p) {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigHeader = `# wifiprov configuration
#
# device.address: BLE address (or macOS peripheral UUID) of the device to
#   commission. Leave empty to pick the strongest advertising device.
# ble.operation_timeout: per GATT operation; 0 disables the timeout.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	if DefaultConfigDir() == "" {
		return "", errors.New("cannot determine home directory")
	}
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
