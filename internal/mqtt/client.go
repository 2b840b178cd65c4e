// Package mqtt connects minerwatch to the sensor broker: RF readings come in
// on a wildcard topic and confidence events go out per device.
package mqtt

import (
	"fmt"
	"slices"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Broker is the part of the paho client used by Subscriber and Publisher
type Broker interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Client manages the MQTT connection
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger zerolog.Logger

	mu            sync.Mutex
	subscriptions []func() error
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewClient connects to the broker. Reconnects are handled by paho; the
// session is clean, so subscriptions registered with AddSubscription are
// replayed on every connect.
func NewClient(config ClientConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger.With().Str("component", "mqtt").Str("broker", config.Broker).Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return c, nil
}

// AddSubscription runs subscribe now and again after every reconnect
func (c *Client) AddSubscription(subscribe func() error) error {
	if err := subscribe(); err != nil {
		return err
	}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscribe)
	c.mu.Unlock()
	return nil
}

// handleConnect runs on the paho connect goroutine
func (c *Client) handleConnect() {
	c.logger.Info().Msg("MQTT connection established")

	c.mu.Lock()
	subs := slices.Clone(c.subscriptions)
	c.mu.Unlock()

	for _, subscribe := range subs {
		if err := subscribe(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to restore subscription")
		}
	}
}

// Native returns the underlying paho client
func (c *Client) Native() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, allowing 250ms for in-flight work
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT client disconnected")
}
