package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the optional MQTT mirror of emitted readings.
type MQTTConfig struct {
	Broker      string // tcp://host:1883
	ClientID    string
	User        string
	Password    string
	TopicPrefix string
}

// Mirror receives a copy of every successfully emitted reading.
type Mirror interface {
	Publish(p Payload) error
	Close()
}

// MQTTMirror publishes readings to {prefix}/{deviceMac}/{readingType}.
type MQTTMirror struct {
	client mqtt.Client
	prefix string
}

// NewMQTTMirror connects to the broker, retrying with exponential backoff.
func NewMQTTMirror(ctx context.Context, cfg MQTTConfig, log *zap.Logger) (*MQTTMirror, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn("mqtt connect failed", zap.String("broker", cfg.Broker), zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "virtual-devices"
	}
	log.Info("mqtt mirror connected", zap.String("broker", cfg.Broker), zap.String("prefix", prefix))
	return &MQTTMirror{client: client, prefix: prefix}, nil
}

// Topic returns the topic a payload is mirrored to.
func (m *MQTTMirror) Topic(p Payload) string {
	return fmt.Sprintf("%s/%s/%s", m.prefix, p.DeviceMAC, p.ReadingType)
}

// Publish sends p without the device api key at QoS 0.
func (m *MQTTMirror) Publish(p Payload) error {
	p.APIKey = ""
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic(p), 0, false, body)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTTMirror) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// Mirrored emits through primary and, on success, copies the reading to
// mirror. Mirror failures are logged and never fail the emission.
type Mirrored struct {
	primary Emitter
	mirror  Mirror
	log     *zap.Logger
}

// WithMirror wraps primary. A nil mirror returns primary unchanged.
func WithMirror(primary Emitter, mirror Mirror, log *zap.Logger) Emitter {
	if mirror == nil {
		return primary
	}
	return &Mirrored{primary: primary, mirror: mirror, log: log}
}

// Emit implements Emitter.
func (m *Mirrored) Emit(ctx context.Context, p Payload) (Response, error) {
	res, err := m.primary.Emit(ctx, p)
	if err != nil {
		return res, err
	}
	if merr := m.mirror.Publish(p); merr != nil {
		m.log.Warn("mqtt mirror publish failed", zap.String("device_mac", p.DeviceMAC), zap.Error(merr))
	}
	return res, nil
}
