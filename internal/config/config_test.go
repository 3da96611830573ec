package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsNeedAStore(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_URI")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"STORE_DRIVER":    "sqlite",
		"DATABASE_DSN":    "file:chat.db",
		"PORT":            "6000",
		"RATE_LIMIT_RPM":  "120",
		"STORE_TIMEOUT":   "3s",
		"JWT_KEYS":        "k1:one,k2:two",
		"JWT_ACTIVE_KID":  "k2",
		"LOG_FORMAT":      "console",
		"LIVE_QUEUE_SIZE": "8",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "6000", cfg.GRPC.Port)
	assert.Equal(t, 120, cfg.RateLimit.RPM)
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 8, cfg.Live.QueueSize)
	assert.False(t, cfg.TrustMode())

	m, err := cfg.JWTManager()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, m.Kids())
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{"RATE_LIMIT_RPM": "lots"}))
	assert.ErrorContains(t, err, "RATE_LIMIT_RPM")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Default()
		c.Store.MongoURI = "mongodb://localhost:27017"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }, "STORE_DRIVER"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "DATABASE_DSN"},
		{"cert without key", func(c *Config) { c.GRPC.TLSCert = "cert.pem" }, "TLS_KEY"},
		{"require tls", func(c *Config) { c.GRPC.RequireTLS = true }, "REQUIRE_TLS"},
		{"active kid missing", func(c *Config) {
			c.Auth.JWTKeys = "k1:one"
			c.Auth.JWTActiveKid = "k9"
		}, "JWT_ACTIVE_KID"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestTrustMode(t *testing.T) {
	c := Default()
	assert.True(t, c.TrustMode())
	m, err := c.JWTManager()
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
store:
  driver: sqlite
  dsn: "file:from-file.db"
  timeout: 2s
log:
  level: debug
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir)) // no .env here
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "file:from-file.db", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "warn", cfg.Log.Level, "environment overrides the file")
}
