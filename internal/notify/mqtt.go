package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
)

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker         string // tcp://host:1883
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes alerts as JSON to <prefix>/alerts/<kind>.
type MQTT struct {
	client publisher
	prefix string
	qos    byte
}

// NewMQTT connects to the broker, bounded by ConnectTimeout.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, apperrors.New(apperrors.ConfigInvalid, "mqtt broker not set")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConnectTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, apperrors.Newf(apperrors.Timeout, "mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Unavailable, "mqtt connect to %s", cfg.Broker)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client publisher, cfg MQTTConfig) *MQTT {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{client: client, prefix: prefix, qos: cfg.QoS}
}

func (m *MQTT) Name() string { return "mqtt" }

type mqttPayload struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Snapshot []byte    `json:"snapshot,omitempty"` // base64 JPEG
}

// Topic returns the topic for an alert kind.
func (m *MQTT) Topic(kind alert.Kind) string {
	return fmt.Sprintf("%s/alerts/%s", m.prefix, kind)
}

// Notify publishes and waits for the broker acknowledgement or ctx.
func (m *MQTT) Notify(ctx context.Context, ev alert.Event) error {
	payload, err := json.Marshal(mqttPayload{
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		Time:     ev.Time,
		Message:  ev.Message,
		Snapshot: ev.Frame,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode mqtt payload")
	}

	tok := m.client.Publish(m.Topic(ev.Kind), m.qos, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.Timeout, "mqtt publish")
	}
	if err := tok.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.DeliveryFailed, "mqtt publish")
	}
	return nil
}

// Close disconnects, allowing in-flight messages a short quiesce.
func (m *MQTT) Close() error {
	m.client.Disconnect(mqttQuiesceMillis)
	return nil
}
