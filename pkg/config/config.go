package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/permission"
	"github.com/srg/blesession/internal/session"
	"github.com/srg/blesession/internal/stream"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string            `yaml:"log_level" default:"info"`
	Scan           ScanConfig        `yaml:"scan"`
	Connection     ConnectionConfig  `yaml:"connection"`
	Stream         StreamConfig      `yaml:"stream"`
	Permissions    PermissionsConfig `yaml:"permissions"`
	SnapshotBuffer int               `yaml:"snapshot_buffer" default:"16"`
	MetricsAddr    string            `yaml:"metrics_addr"`
}

type ScanConfig struct {
	Timeout         time.Duration `yaml:"timeout" default:"10s"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`
}

type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"10s"`
	JournalSize      uint32        `yaml:"journal_size" default:"64"`
}

type StreamConfig struct {
	Decoder string `yaml:"decoder" default:"raw"`
	// Characteristic is the preferred "service/characteristic" pair; empty picks the first notifiable one.
	Characteristic string `yaml:"characteristic"`
}

type PermissionsConfig struct {
	Platform permission.Platform     `yaml:"platform"`
	Granted  []permission.Capability `yaml:"granted"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Permissions.Platform.OS = runtime.GOOS
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must not be negative, got %s", c.Scan.Timeout)
	}
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be positive, got %s", c.Connection.ConnectTimeout)
	}
	if c.Connection.DiscoveryTimeout <= 0 {
		return fmt.Errorf("connection.discovery_timeout must be positive, got %s", c.Connection.DiscoveryTimeout)
	}
	if c.Connection.JournalSize == 0 {
		return fmt.Errorf("connection.journal_size must be positive")
	}
	if c.SnapshotBuffer <= 0 {
		return fmt.Errorf("snapshot_buffer must be positive, got %d", c.SnapshotBuffer)
	}
	if _, err := stream.NewDecoder(c.Stream.Decoder); err != nil {
		return err
	}
	if _, err := c.PreferredCharacteristic(); err != nil {
		return err
	}
	for _, g := range c.Permissions.Granted {
		switch g {
		case permission.BluetoothScan, permission.BluetoothConnect, permission.AccessFineLocation:
		default:
			return fmt.Errorf("unknown capability %q in permissions.granted", g)
		}
	}
	return nil
}

// Level parses LogLevel. "silent" disables logging.
func (c *Config) Level() (logrus.Level, error) {
	if strings.EqualFold(c.LogLevel, "silent") {
		return logrus.PanicLevel, nil
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// PreferredCharacteristic parses Stream.Characteristic; the zero ref means no preference.
func (c *Config) PreferredCharacteristic() (device.CharacteristicRef, error) {
	if strings.TrimSpace(c.Stream.Characteristic) == "" {
		return device.CharacteristicRef{}, nil
	}
	ref, err := device.ParseCharacteristicRef(c.Stream.Characteristic)
	if err != nil {
		return device.CharacteristicRef{}, fmt.Errorf("invalid stream.characteristic: %w", err)
	}
	return ref, nil
}

// SessionOptions maps the connection settings. Call Validate first.
func (c *Config) SessionOptions() session.Options {
	ref, _ := c.PreferredCharacteristic()
	return session.Options{
		ConnectTimeout:          c.Connection.ConnectTimeout,
		DiscoveryTimeout:        c.Connection.DiscoveryTimeout,
		PreferredCharacteristic: ref,
		JournalSize:             c.Connection.JournalSize,
	}
}

// PermissionGate builds a gate answering from the statically granted capabilities.
func (c *Config) PermissionGate(logger *logrus.Logger) *permission.Gate {
	return permission.NewGate(c.Permissions.Platform, permission.NewStatic(c.Permissions.Granted...), logger)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, err := c.Level()
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
