// Package transport moves messages between the service and devices over MQTT.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"fleet-relay-backend/config"
)

// ErrPublishTimeout is returned when the broker does not confirm a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTClient is the subset of the paho client the service uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MessageHandler processes one inbound payload.
type MessageHandler func(ctx context.Context, payload []byte) error

// MQTT publishes command payloads on device channels and receives heartbeats.
type MQTT struct {
	client  MQTTClient
	qos     byte
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

// NewMQTT wraps an existing client.
func NewMQTT(client MQTTClient, cfg *config.MQTTConfig, log *zap.Logger) *MQTT {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTT{
		client:  client,
		qos:     cfg.QoS,
		prefix:  strings.TrimSuffix(cfg.ChannelPrefix, "/"),
		timeout: timeout,
		log:     log,
	}
}

// Connect dials the broker described by cfg.
func Connect(cfg *config.MQTTConfig, log *zap.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return NewMQTT(client, cfg, log), nil
}

// Topic maps a device channel to the broker topic it is published on.
func (m *MQTT) Topic(channel string) string {
	if m.prefix == "" {
		return channel
	}
	return m.prefix + "/" + channel
}

// Publish sends payload on channel and waits for the broker to accept it.
func (m *MQTT) Publish(ctx context.Context, channel string, payload []byte) error {
	topic := m.Topic(channel)
	token := m.client.Publish(topic, m.qos, false, payload)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe routes messages on topic to handler. Handler errors are logged;
// nothing is sent back to the device.
func (m *MQTT) Subscribe(topic string, handler MessageHandler) error {
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(context.Background(), msg.Payload()); err != nil {
			m.log.Warn("dropping mqtt message",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
		}
	}
	if token := m.client.Subscribe(topic, m.qos, callback); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	m.log.Info("subscribed to mqtt topic", zap.String("topic", topic))
	return nil
}

// Close unsubscribes from topics and disconnects.
func (m *MQTT) Close(topics ...string) {
	if len(topics) > 0 {
		token := m.client.Unsubscribe(topics...)
		if !token.WaitTimeout(m.timeout) {
			m.log.Warn("mqtt unsubscribe timed out")
		} else if err := token.Error(); err != nil {
			m.log.Warn("mqtt unsubscribe failed", zap.Error(err))
		}
	}
	m.client.Disconnect(250)
}
