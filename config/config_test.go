package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eljojo/livesync/runtime"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, runtime.EnvProduction, cfg.Env())
	assert.Equal(t, logrus.InfoLevel, cfg.Level())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: development
log_level: debug
transport: websocket
websocket:
  listen: ":9000"
  allowed_origins: ["https://example.com"]
publish_interval: 500ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, runtime.EnvDevelopment, cfg.Env())
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, ":9000", cfg.WebSocket.Listen)
	assert.Equal(t, []string{"https://example.com"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.PublishInterval)
	assert.Equal(t, 30*time.Second, cfg.InvokeTimeout, "untouched fields keep their default")
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://file:1883\n")
	t.Setenv("LIVESYNC_MQTT_BROKER", "tcp://env:1883")
	t.Setenv("LIVESYNC_BROKER_ENABLED", "true")
	t.Setenv("LIVESYNC_WS_ORIGINS", "a.example, b.example,")
	t.Setenv("LIVESYNC_INVOKE_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.Broker.Enabled)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.InvokeTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "no_such_field: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")

	t.Setenv("LIVESYNC_PUBLISH_INTERVAL", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "LIVESYNC_PUBLISH_INTERVAL")
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"environment": func(c *Config) { c.Environment = "staging" },
		"log_level":   func(c *Config) { c.LogLevel = "loud" },
		"transport":   func(c *Config) { c.Transport = "carrier-pigeon" },
		"mqtt.broker": func(c *Config) { c.MQTT.Broker = "" },
		"mqtt.qos":    func(c *Config) { c.MQTT.QoS = 3 },
		"websocket":   func(c *Config) { c.Transport = TransportWebSocket; c.WebSocket = WebSocketConfig{} },
		"broker":      func(c *Config) { c.Broker = BrokerConfig{Enabled: true} },
		"publish":     func(c *Config) { c.PublishInterval = 0 },
		"invoke":      func(c *Config) { c.InvokeTimeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDump_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.MQTT.Password = "hunter2"
	cfg.BugsnagAPIKey = "abc"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "abc")
	assert.Equal(t, "hunter2", cfg.MQTT.Password, "the original is untouched")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.PublishInterval, back.PublishInterval)
}
