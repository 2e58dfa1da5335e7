// Package mqttc wraps the paho client with the connection defaults used by
// runners and the controller.
package mqttc

import (
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const DefaultBroker = "tcp://127.0.0.1:1883"

// publishTimeout bounds how long a publish may hold up a tick while the
// broker is unreachable.
const publishTimeout = 2 * time.Second

type Client struct {
	Client mqtt.Client
}

// NewClient creates a client using environment/default broker.
func NewClient(clientID string) *Client {
	return NewClientWithBroker(clientID, "")
}

// NewClientWithBroker lets callers override the MQTT broker address.
func NewClientWithBroker(clientID, broker string) *Client {
	return NewClientWithHandler(clientID, broker, nil)
}

// NewClientWithHandler lets callers provide an OnConnect handler. The handler
// runs again after every reconnect, so subscriptions belong there.
func NewClientWithHandler(clientID, broker string, onConnect mqtt.OnConnectHandler) *Client {
	if broker == "" {
		broker = os.Getenv("MQTT_BROKER")
		if broker == "" {
			broker = DefaultBroker
		}
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "broker", broker, "error", err)
		})

	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		slog.Error("MQTT connect error", "broker", broker, "error", token.Error())
	}
	return &Client{Client: c}
}

func (c *Client) Connected() bool {
	return c != nil && c.Client != nil && c.Client.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte) {
	c.publish(topic, payload, false)
}

// PublishRetained publishes a message the broker keeps for late subscribers.
func (c *Client) PublishRetained(topic string, payload []byte) {
	c.publish(topic, payload, true)
}

func (c *Client) publish(topic string, payload []byte, retained bool) {
	if c == nil || c.Client == nil {
		return
	}
	token := c.Client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if token.Error() != nil {
		slog.Warn("MQTT publish error", "topic", topic, "error", token.Error())
	}
}

func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) {
	if c == nil || c.Client == nil {
		return
	}
	token := c.Client.Subscribe(topic, 0, handler)
	token.Wait()
	if token.Error() != nil {
		slog.Error("MQTT subscribe error", "topic", topic, "error", token.Error())
	}
}

func (c *Client) Disconnect() {
	if c == nil || c.Client == nil {
		return
	}
	c.Client.Disconnect(250)
}
