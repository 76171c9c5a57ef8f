package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout    = 4 * time.Second
	mqttMaxReconnectDelay = 30 * time.Second
	mqttDisconnectQuiesce = 250 // ms
)

// MQTT is a Client backed by an MQTT 3.1.1 broker. Subscriptions are restored
// after every reconnect because sessions are clean.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// DialMQTT connects to the broker at cfg.URL (tcp://, ssl://, ws://).
func DialMQTT(ctx context.Context, cfg Config, log zerolog.Logger) (*MQTT, error) {
	m := &MQTT{
		qos:  cfg.QoS,
		log:  log.With().Str("broker", string(KindMQTT)).Logger(),
		subs: make(map[string]Handler),
	}
	if m.qos > 2 {
		m.qos = 2
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID(cfg.ClientIDPrefix)).
		SetCleanSession(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(mqttMaxReconnectDelay).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn().Err(err).Msg("connection lost")
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			m.log.Info().Msg("reconnecting")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	m.client = mqtt.NewClient(opts)
	if err := wait(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.URL, err)
	}
	m.log.Info().Str("url", cfg.URL).Msg("connected")
	return m, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, h := range m.subs {
		token := c.Subscribe(topic, m.qos, m.callback(h))
		go func(topic string) {
			if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
				m.log.Error().Err(token.Error()).Str("topic", topic).Msg("resubscribe failed")
			}
		}(topic)
	}
}

func (m *MQTT) callback(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	}
}

func (m *MQTT) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := wait(ctx, m.client.Subscribe(topic, m.qos, m.callback(h))); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	m.mu.Lock()
	m.subs[topic] = h
	m.mu.Unlock()
	m.log.Info().Str("topic", topic).Uint8("qos", m.qos).Msg("subscribed")
	return nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, m.client.Publish(topic, m.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) IsConnected() bool {
	return m.client.IsConnectionOpen()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
