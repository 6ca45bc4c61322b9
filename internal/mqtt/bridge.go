// Package mqtt bridges flow nodes to an MQTT broker: messages published to a
// node's input topic are injected, outputs and statuses are published back.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/flow"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second
	maxPayloadSize    = 1 << 20
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
)

// Injector delivers a message to a node.
type Injector interface {
	Inject(ctx context.Context, nodeID string, msg flow.Message) error
}

// Config configures the bridge.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
}

// Bridge is a flow.Sink publishing to MQTT and an input source for the flow.
type Bridge struct {
	cfg      Config
	topics   Topics
	injector Injector
	client   pahomqtt.Client

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge. It does not connect.
func New(cfg Config, injector Injector) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "hubitatd-" + uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		topics:   Topics{Prefix: cfg.Prefix},
		injector: injector,
		ctx:      ctx,
		cancel:   cancel,
	}
	b.client = pahomqtt.NewClient(b.options())
	return b
}

func (b *Bridge) options() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	opts.SetWill(b.topics.Online(), "false", b.cfg.QoS, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", b.cfg.Broker).Msg("MQTT connected")
		// Subscriptions do not survive a clean session, restore them on every connect.
		c.Subscribe(b.topics.InputFilter(), b.cfg.QoS, func(_ pahomqtt.Client, m pahomqtt.Message) {
			b.onInput(m.Topic(), m.Payload())
		})
		c.Publish(b.topics.Online(), b.cfg.QoS, true, "true")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", b.cfg.Broker).Msg("MQTT connection lost")
	})
	return opts
}

// Connect connects to the broker, waiting up to the connect timeout.
func (b *Bridge) Connect(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-time.After(connectTimeout):
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// onInput injects a message received on a node's input topic.
func (b *Bridge) onInput(topic string, payload []byte) {
	nodeID, ok := b.topics.InputNode(topic)
	if !ok {
		log.Debug().Str("topic", topic).Msg("Ignoring MQTT message on unexpected topic")
		return
	}
	if len(payload) > maxPayloadSize {
		log.Warn().Str("topic", topic).Int("size", len(payload)).Msg("MQTT input too large, dropping")
		return
	}

	// Inject blocks for the node's whole handler; paho delivers in order on
	// one goroutine.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("node", nodeID).Msg("MQTT input handler panicked")
			}
		}()
		if err := b.injector.Inject(b.ctx, nodeID, flow.DecodeMessage(payload)); err != nil {
			log.Warn().Err(err).Str("node", nodeID).Msg("MQTT input rejected")
		}
	}()
}

// Output publishes a node output.
func (b *Bridge) Output(nodeID string, msg flow.Message) {
	b.publish(b.topics.Output(nodeID), msg, false)
}

// Status publishes a node status, retained.
func (b *Bridge) Status(nodeID string, st flow.Status) {
	b.publish(b.topics.Status(nodeID), st, true)
}

func (b *Bridge) publish(topic string, v any, retained bool) {
	if !b.client.IsConnectionOpen() {
		log.Debug().Str("topic", topic).Err(ErrNotConnected).Msg("Skipping MQTT publish")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to encode MQTT payload")
		return
	}

	token := b.client.Publish(topic, b.cfg.QoS, retained, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() error {
	b.cancel()
	if b.client.IsConnectionOpen() {
		token := b.client.Publish(b.topics.Online(), b.cfg.QoS, true, "false")
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	return nil
}
