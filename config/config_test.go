package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api/message-proxy/element", v.GetString("backend.url"))
	assert.Equal(t, 7*24*time.Hour, v.GetDuration("session.maxage"))
	assert.Equal(t, 5*time.Second, v.GetDuration("push.reconnectdelay"))
	assert.Equal(t, 3, v.GetInt("backend.retries"))
}

func TestLoadConfigFile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "mxpane.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
debug = true

[backend]
url = "http://backend.test/api"
retries = 5

[session]
maxage = "48h"
`), 0o600))

	v, err := LoadConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "http://backend.test/api", v.GetString("backend.url"))
	assert.Equal(t, 5, v.GetInt("backend.retries"))
	assert.Equal(t, 48*time.Hour, v.GetDuration("session.maxage"))
	// untouched keys keep their defaults
	assert.Equal(t, "ws://localhost:8000/ws/extensions", v.GetString("backend.push"))

	l := NewLogger(v, "test")
	assert.Equal(t, logrus.DebugLevel, l.Logger.GetLevel())
	assert.Equal(t, "test", l.Data["prefix"])
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MXPANE_BACKEND_URL", "http://env.test")

	v := New()
	assert.Equal(t, "http://env.test", v.GetString("backend.url"))
}
