// Package config loads livesync settings from a YAML file and LIVESYNC_*
// environment variables. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eljojo/livesync/runtime"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

// Config is everything the livesync command needs to run.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	Transport   string `yaml:"transport"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	Broker    BrokerConfig    `yaml:"broker"`
	WebSocket WebSocketConfig `yaml:"websocket"`

	// PublishInterval is how often the serve command refreshes host stats.
	PublishInterval time.Duration `yaml:"publish_interval"`
	// InvokeTimeout bounds every remote invocation.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`

	BugsnagAPIKey string `yaml:"bugsnag_api_key"`
}

// MQTTConfig points at the broker carrying live channels.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// BrokerConfig runs an MQTT broker inside the serve command.
type BrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// WebSocketConfig is the listen side for serve and the dial side for observers.
type WebSocketConfig struct {
	Listen         string   `yaml:"listen"`
	URL            string   `yaml:"url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns a config that runs an embedded broker on localhost.
func Defaults() Config {
	return Config{
		Environment: "production",
		LogLevel:    "info",
		Transport:   TransportMQTT,
		MQTT: MQTTConfig{
			Broker: "tcp://127.0.0.1:1883",
			QoS:    1,
		},
		Broker: BrokerConfig{
			Address: "127.0.0.1:1883",
		},
		WebSocket: WebSocketConfig{
			Listen: "127.0.0.1:8080",
			URL:    "ws://127.0.0.1:8080/live",
		},
		PublishInterval: 2 * time.Second,
		InvokeTimeout:   30 * time.Second,
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Environment = getEnv("LIVESYNC_ENV", c.Environment)
	c.LogLevel = getEnv("LIVESYNC_LOG_LEVEL", c.LogLevel)
	c.Transport = getEnv("LIVESYNC_TRANSPORT", c.Transport)

	c.MQTT.Broker = getEnv("LIVESYNC_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnv("LIVESYNC_MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnv("LIVESYNC_MQTT_USER", c.MQTT.Username)
	c.MQTT.Password = getEnv("LIVESYNC_MQTT_PASS", c.MQTT.Password)

	c.Broker.Address = getEnv("LIVESYNC_BROKER_ADDR", c.Broker.Address)
	if v, ok := os.LookupEnv("LIVESYNC_BROKER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LIVESYNC_BROKER_ENABLED: %w", err)
		}
		c.Broker.Enabled = enabled
	}

	c.WebSocket.Listen = getEnv("LIVESYNC_WS_LISTEN", c.WebSocket.Listen)
	c.WebSocket.URL = getEnv("LIVESYNC_WS_URL", c.WebSocket.URL)
	if v, ok := os.LookupEnv("LIVESYNC_WS_ORIGINS"); ok {
		c.WebSocket.AllowedOrigins = splitList(v)
	}

	var err error
	if c.PublishInterval, err = getDuration("LIVESYNC_PUBLISH_INTERVAL", c.PublishInterval); err != nil {
		return err
	}
	if c.InvokeTimeout, err = getDuration("LIVESYNC_INVOKE_TIMEOUT", c.InvokeTimeout); err != nil {
		return err
	}

	c.BugsnagAPIKey = getEnv("LIVESYNC_BUGSNAG_KEY", c.BugsnagAPIKey)
	return nil
}

// Validate reports the first setting that can't work.
func (c Config) Validate() error {
	if _, err := runtime.ParseEnvironment(c.Environment); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required for the mqtt transport")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case TransportWebSocket:
		if c.WebSocket.Listen == "" && c.WebSocket.URL == "" {
			return errors.New("websocket.listen or websocket.url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportMQTT, TransportWebSocket)
	}

	if c.Broker.Enabled && c.Broker.Address == "" {
		return errors.New("broker.address is required when the embedded broker is enabled")
	}
	if c.PublishInterval <= 0 {
		return fmt.Errorf("publish_interval must be positive, got %s", c.PublishInterval)
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("invoke_timeout must be positive, got %s", c.InvokeTimeout)
	}
	return nil
}

// Env returns the parsed environment. Call Validate first.
func (c Config) Env() runtime.Environment {
	env, _ := runtime.ParseEnvironment(c.Environment)
	return env
}

// Level returns the parsed log level, info if it doesn't parse.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Dump renders the config as YAML with the password and api key masked.
func (c Config) Dump() ([]byte, error) {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	if c.BugsnagAPIKey != "" {
		c.BugsnagAPIKey = "********"
	}
	return yaml.Marshal(c)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
