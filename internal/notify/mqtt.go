// Package notify forwards bus events to an MQTT broker so home-automation
// and alerting systems can react to scans and traffic tests.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// Publisher is the subset of mqtt.Client used by the forwarder.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config holds broker settings.
type Config struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// message is the JSON document published per event.
type message struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Forwarder publishes every bus event under TopicPrefix. Bus topic dots
// become MQTT levels: grid.scan.completed -> subnetgrid/grid/scan/completed.
type Forwarder struct {
	pub    Publisher
	prefix string
	qos    byte
	logger *zap.Logger

	mu          sync.Mutex
	unsubscribe func()
	client      mqtt.Client
}

// NewForwarder returns a Forwarder publishing through pub.
func NewForwarder(pub Publisher, prefix string, qos byte, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "subnetgrid"
	}
	return &Forwarder{pub: pub, prefix: prefix, qos: qos, logger: logger}
}

// Dial connects to cfg.Broker and returns a Forwarder using that
// connection. The client reconnects on its own after connection loss.
func Dial(cfg Config, logger *zap.Logger) (*Forwarder, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("notify: broker not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "subnetgrid"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("mqtt broker not reachable yet, retrying in background", zap.String("broker", cfg.Broker))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", cfg.Broker, err)
	}

	f := NewForwarder(client, cfg.TopicPrefix, cfg.QoS, logger)
	f.client = client
	return f, nil
}

// Attach subscribes the forwarder to every topic on bus.
func (f *Forwarder) Attach(bus plugin.EventBus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	f.unsubscribe = bus.SubscribeAll(f.handle)
}

// MQTTTopic maps a bus topic to its MQTT topic.
func (f *Forwarder) MQTTTopic(busTopic string) string {
	return f.prefix + "/" + strings.ReplaceAll(busTopic, ".", "/")
}

func (f *Forwarder) handle(_ context.Context, event plugin.Event) {
	payload, err := json.Marshal(message{
		Topic:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		f.logger.Warn("event not encodable", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	topic := f.MQTTTopic(event.Topic)
	token := f.pub.Publish(topic, f.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		f.logger.Warn("mqtt publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		f.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Close detaches from the bus and disconnects a dialed client.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribe != nil {
		f.unsubscribe()
		f.unsubscribe = nil
	}
	if f.client != nil {
		f.client.Disconnect(disconnectQuiesce)
		f.client = nil
	}
}
