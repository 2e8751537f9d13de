// Package config loads and validates environment-based configuration.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Upstream modes.
const (
	ModeMQTT       = "mqtt"
	ModeThingSpeak = "thingspeak"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"3000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// UpstreamMode selects the system of record: "mqtt" or "thingspeak".
	UpstreamMode string `env:"UPSTREAM_MODE" default:"mqtt"`

	MQTTBrokerURL    string `env:"MQTT_BROKER" default:"tcp://broker.hivemq.com:1883"`
	MQTTUsername     string `env:"MQTT_USER"`
	MQTTPassword     string `env:"MQTT_PASSWORD"`
	MQTTCommandTopic string `env:"MQTT_COMMAND_TOPIC" default:"aquarium/command"`
	MQTTSensorTopic  string `env:"MQTT_SENSOR_TOPIC" default:"aquarium/sensor"`
	MQTTControlTopic string `env:"MQTT_CONTROL_TOPIC" default:"aquarium/control"`

	ThingSpeakChannelID   string `env:"THINGSPEAK_CHANNEL_ID"`
	ThingSpeakReadAPIKey  string `env:"THINGSPEAK_READ_API_KEY"`
	ThingSpeakWriteAPIKey string `env:"THINGSPEAK_WRITE_API_KEY"`

	// PollInterval is how often the ThingSpeak upstream is polled for state.
	PollInterval time.Duration `env:"POLL_INTERVAL" default:"5s"`
	// WriteInterval is the minimum interval ThingSpeak accepts between
	// channel writes. Writes attempted sooner are rejected as rate-limited.
	WriteInterval time.Duration `env:"WRITE_INTERVAL" default:"15s"`
	// ReconnectInterval is the fixed delay between MQTT reconnect attempts.
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" default:"5s"`

	MaxSessions int `env:"MAX_SESSIONS" default:"256"`
}

// Load reads configuration from a .env file (if present) and the process
// environment. Missing required credentials are the only fatal startup
// errors; they terminate the process before any connection is accepted.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.UpstreamMode {
	case ModeMQTT:
		if cfg.MQTTBrokerURL == "" {
			return fmt.Errorf("MQTT_BROKER is required in mqtt mode")
		}
	case ModeThingSpeak:
		required := map[string]string{
			"THINGSPEAK_CHANNEL_ID":    cfg.ThingSpeakChannelID,
			"THINGSPEAK_WRITE_API_KEY": cfg.ThingSpeakWriteAPIKey,
		}
		for name, value := range required {
			if value == "" {
				return fmt.Errorf("%s is required in thingspeak mode", name)
			}
		}
	default:
		return fmt.Errorf("UPSTREAM_MODE must be %q or %q, got %q", ModeMQTT, ModeThingSpeak, cfg.UpstreamMode)
	}

	if cfg.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", cfg.MaxSessions)
	}

	return nil
}
