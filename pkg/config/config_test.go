package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blesession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.False(t, cfg.Scan.AllowDuplicates)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connection.DiscoveryTimeout)
	assert.Equal(t, uint32(64), cfg.Connection.JournalSize)
	assert.Equal(t, "raw", cfg.Stream.Decoder)
	assert.Empty(t, cfg.Stream.Characteristic)
	assert.Equal(t, 16, cfg.SnapshotBuffer)
	assert.Equal(t, runtime.GOOS, cfg.Permissions.Platform.OS)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
connection:
  connect_timeout: 3s
stream:
  decoder: base64
  characteristic: FFF0/2A37
permissions:
  platform:
    os: android
    api_level: 33
  granted: [bluetooth_scan, bluetooth_connect]
metrics_addr: 127.0.0.1:9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connection.DiscoveryTimeout, "unset keys MUST keep defaults")
	assert.Equal(t, "base64", cfg.Stream.Decoder)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.Equal(t, permission.Platform{OS: "android", APILevel: 33}, cfg.Permissions.Platform)

	opts := cfg.SessionOptions()
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, device.CharacteristicRef{ServiceUUID: "fff0", CharacteristicUUID: "2a37"}, opts.PreferredCharacteristic)
	assert.Equal(t, uint32(64), opts.JournalSize)

	gate := cfg.PermissionGate(logrus.New())
	assert.Len(t, gate.Capabilities(), 3)
	err = gate.CheckAndRequest(t.Context())
	assert.ErrorIs(t, err, device.ErrPermissionDenied, "fine location was not granted")
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "log_level: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "log_level: chatty"))
	assert.ErrorContains(t, err, "invalid log_level")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:   "silent log level is valid",
			mutate: func(c *Config) { c.LogLevel = "silent" },
		},
		{
			name:   "unknown decoder",
			mutate: func(c *Config) { c.Stream.Decoder = "protobuf" },
			errMsg: "unknown decoder",
		},
		{
			name:   "malformed characteristic",
			mutate: func(c *Config) { c.Stream.Characteristic = "2a37" },
			errMsg: "invalid stream.characteristic",
		},
		{
			name:   "zero connect timeout",
			mutate: func(c *Config) { c.Connection.ConnectTimeout = 0 },
			errMsg: "connect_timeout",
		},
		{
			name:   "zero discovery timeout",
			mutate: func(c *Config) { c.Connection.DiscoveryTimeout = 0 },
			errMsg: "discovery_timeout",
		},
		{
			name:   "negative scan timeout",
			mutate: func(c *Config) { c.Scan.Timeout = -time.Second },
			errMsg: "scan.timeout",
		},
		{
			name:   "zero snapshot buffer",
			mutate: func(c *Config) { c.SnapshotBuffer = 0 },
			errMsg: "snapshot_buffer",
		},
		{
			name:   "zero journal",
			mutate: func(c *Config) { c.Connection.JournalSize = 0 },
			errMsg: "journal_size",
		},
		{
			name:   "unknown capability",
			mutate: func(c *Config) { c.Permissions.Granted = []permission.Capability{"camera"} },
			errMsg: "unknown capability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{level: "debug", want: logrus.DebugLevel},
		{level: "info", want: logrus.InfoLevel},
		{level: "warn", want: logrus.WarnLevel},
		{level: "error", want: logrus.ErrorLevel},
		{level: "silent", want: logrus.PanicLevel},
		{level: "bogus", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
