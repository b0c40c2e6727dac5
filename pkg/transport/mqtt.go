package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQoS            byte = 2
	DefaultConnectTimeout      = 10 * time.Second
	DefaultPublishTimeout      = 5 * time.Second

	disconnectQuiesceMillis = 250
)

var ErrTimeout = errors.New("timed out waiting for broker")

// Handler receives every inbound message
type Handler func(topic string, payload []byte)

// Publisher sends a payload on a topic and reports whether the broker took it
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ErrPublishFailed indicates a message could not be handed to the broker
type ErrPublishFailed struct {
	Topic string
	Err   error
}

func (e *ErrPublishFailed) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *ErrPublishFailed) Unwrap() error {
	return e.Err
}

// Config holds broker connection settings
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTT is a broker client that resubscribes on every (re)connect
type MQTT struct {
	cfg    Config
	client mqtt.Client

	mu      sync.Mutex
	topics  []string
	handler Handler
}

// NewMQTT creates a client; nothing is dialled until Connect
func NewMQTT(cfg Config) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	m := &MQTT{cfg: cfg}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(func(mqtt.Client) { m.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", cfg.BrokerURL).Msg("Lost connection to broker")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect dials the broker
func (m *MQTT) Connect(ctx context.Context) error {
	log.Info().Str("broker", m.cfg.BrokerURL).Str("client_id", m.cfg.ClientID).Msg("Connecting to broker")
	if err := wait(ctx, m.client.Connect(), m.cfg.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "failed to connect to %s", m.cfg.BrokerURL)
	}
	return nil
}

// Subscribe registers handler for topics. The subscription is renewed after
// every reconnect.
func (m *MQTT) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	m.mu.Lock()
	m.topics = append([]string(nil), topics...)
	m.handler = handler
	m.mu.Unlock()

	if !m.client.IsConnectionOpen() {
		return nil
	}
	return m.subscribe(ctx)
}

// Publish sends payload at the configured QoS, never retained
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Publishing message")
	if err := wait(ctx, m.client.Publish(topic, m.cfg.QoS, false, payload), m.cfg.PublishTimeout); err != nil {
		return &ErrPublishFailed{Topic: topic, Err: err}
	}
	return nil
}

// Close disconnects from the broker
func (m *MQTT) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(disconnectQuiesceMillis)
	}
}

func (m *MQTT) onConnect() {
	log.Info().Str("broker", m.cfg.BrokerURL).Msg("Connected to broker")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.subscribe(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to subscribe after connect")
	}
}

func (m *MQTT) subscribe(ctx context.Context) error {
	m.mu.Lock()
	topics, handler := m.topics, m.handler
	m.mu.Unlock()

	if len(topics) == 0 || handler == nil {
		return nil
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = m.cfg.QoS
	}

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	if err := wait(ctx, m.client.SubscribeMultiple(filters, callback), m.cfg.ConnectTimeout); err != nil {
		return errors.Wrap(err, "failed to subscribe")
	}

	log.Info().Strs("topics", topics).Msg("Subscribed to topics")
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
