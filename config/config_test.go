package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subsidia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: a file choosing mongo and a shorter timeout
	path := writeFile(t, `
http:
  port: 9000
  request_timeout: 5s
store:
  driver: mongo
  mongo_uri: mongodb://localhost:27017/?replicaSet=rs0
lock:
  redis_addr: localhost:6379
log:
  format: console
`)

	// WHEN: it is loaded
	cfg, err := Load(path)

	// THEN: file values win, the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "subsidia_", cfg.Store.MongoDBPrefix)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Lock.Expiry)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	// GIVEN: a file and environment disagreeing on the port
	path := writeFile(t, "http:\n  port: 9000\n")
	t.Setenv("SUBSIDIA_PORT", "9100")
	t.Setenv("SUBSIDIA_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SUBSIDIA_STORE_DRIVER", "MEMORY")
	t.Setenv("SUBSIDIA_LOG_LEVEL", "debug")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadValues(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "malformed yaml", file: "http: [\n"},
		{name: "bad port env", env: map[string]string{"SUBSIDIA_PORT": "eighty"}},
		{name: "bad timeout env", env: map[string]string{"SUBSIDIA_REQUEST_TIMEOUT": "soon"}},
		{name: "unknown driver", file: "store:\n  driver: postgres\n"},
		{name: "mongo without uri", file: "store:\n  driver: mongo\n"},
		{name: "bad level", file: "log:\n  level: loud\n"},
		{name: "bad format", file: "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := Load(path)

			assert.Error(t, err)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Port = 0
	cfg.Lock.Expiry = 0

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "lock.expiry")
}

func TestLogConfig_NewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := LogConfig{Level: "debug", Format: format}.NewLogger()
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel), format)
	}

	_, err := LogConfig{Level: "loud", Format: "json"}.NewLogger()
	assert.Error(t, err)
}
