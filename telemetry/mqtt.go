package telemetry

import (
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig is the broker section of the configuration file.
type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	// Prefix is the first topic level of everything published.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// ConnectAttempts bounds the connection retries; zero means 3.
	ConnectAttempts int `yaml:"connectAttempts,omitempty" json:"connectAttempts,omitempty"`
}

const (
	defaultClientID = "robustfit"
	defaultPrefix   = "robustfit"
)

// withEnv applies the MQTT_* environment overrides.
func (c MQTTConfig) withEnv() MQTTConfig {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Broker, "MQTT_BROKER")
	override(&c.ClientID, "MQTT_CLIENT_ID")
	override(&c.Username, "MQTT_USERNAME")
	override(&c.Password, "MQTT_PASSWORD")
	override(&c.Prefix, "MQTT_PUBLISH_PREFIX")
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	return c
}

// Resolved returns cfg with environment overrides and defaults applied.
func (c MQTTConfig) Resolved() MQTTConfig { return c.withEnv() }

// Enabled reports whether a broker is configured, directly or through
// MQTT_BROKER.
func (c MQTTConfig) Enabled() bool { return c.withEnv().Broker != "" }

func clientOptions(cfg MQTTConfig, logger zerolog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection interrupted, auto-reconnect will retry")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug().Msg("mqtt reconnecting")
	})
	return opts
}

// ConnectMQTT connects to the configured broker. It returns a nil client
// and no error when MQTT is disabled.
func ConnectMQTT(cfg MQTTConfig, logger zerolog.Logger) (mqtt.Client, error) {
	cfg = cfg.withEnv()
	if cfg.Broker == "" {
		logger.Debug().Msg("mqtt disabled: no broker configured")
		return nil, nil
	}
	client := mqtt.NewClient(clientOptions(cfg, logger))
	if err := connect(client, cfg.ConnectAttempts, time.Second, logger); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// connect tries up to attempts times with exponential backoff starting at
// delay.
func connect(client mqtt.Client, attempts int, delay time.Duration, logger zerolog.Logger) error {
	const maxDelay = 30 * time.Second

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.Debug().Dur("delay", delay).Msg("retrying mqtt connection")
			time.Sleep(delay)
			delay = min(2*delay, maxDelay)
		}
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			err = fmt.Errorf("connection timeout")
			continue
		}
		if err = token.Error(); err == nil {
			logger.Info().Msg("connected to mqtt broker")
			return nil
		}
		logger.Warn().Err(err).Int("attempt", i+1).Msg("mqtt connection failed")
	}
	return err
}
