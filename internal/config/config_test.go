package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "nestd.yaml", `
nest:
  client_id: cid
  client_secret: secret
  product_version: 4
stream:
  transport: websocket
  url: wss://relay.example/stream
  backoff_base: 2s
  backoff_max: 1m
  idle_timeout: 45s
mqtt:
  enabled: true
  broker: tcp://broker:1883
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cid", cfg.Nest.ClientID)
	assert.Equal(t, 4, cfg.Nest.ProductVersion)
	assert.Equal(t, "websocket", cfg.Stream.Transport)
	assert.Equal(t, 2*time.Second, cfg.Stream.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Stream.BackoffMax)
	assert.Equal(t, 45*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, 3, cfg.Stream.MalformedSnapshotLimit, "unset keys keep defaults")
	assert.True(t, cfg.MQTT.Enabled)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "nestd.yaml", "nest:\n  client_id: from-yaml\n")
	t.Setenv("NEST_CLIENT_ID", "from-env")
	t.Setenv("NEST_STREAM_BACKOFF_MAX", "5m")
	t.Setenv("NEST_COMMAND_MAX_RETRIES", "2")
	t.Setenv("NEST_CORS_ALLOW_ALL", "TRUE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Nest.ClientID)
	assert.Equal(t, 5*time.Minute, cfg.Stream.BackoffMax)
	assert.Equal(t, 2, cfg.Command.MaxRetries)
	assert.True(t, cfg.HTTP.CORSAll)
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("NEST_STREAM_IDLE_TIMEOUT", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "NEST_STREAM_IDLE_TIMEOUT")
}

func TestParseErrorReported(t *testing.T) {
	path := writeFile(t, "bad.yaml", "stream: [not, a, map")
	_, err := Load(path)
	assert.ErrorContains(t, err, "config: parse")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Stream.Transport = "carrier-pigeon"
	cfg.Stream.BackoffMax = time.Millisecond
	cfg.MQTT.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.transport")
	assert.Contains(t, err.Error(), "stream.backoff_max")
	assert.Contains(t, err.Error(), "mqtt.broker")

	cfg = Defaults()
	cfg.Stream.MaxRedirects = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.max_redirects")

	cfg = Defaults()
	cfg.TokenCache.Path = ""
	assert.Error(t, cfg.Validate())
	cfg.Nest.AccessToken = "static"
	assert.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	const key = "NEST_DOTENV_TEST_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", key+"=hello\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "hello", os.Getenv(key))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")), "missing file is fine")
}
