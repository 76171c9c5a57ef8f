// Package broker adapts publish/subscribe transports to a small client
// interface: exact-topic subscriptions, fire-and-forget publishes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one inbound delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes deliveries for a subscription. It is invoked from the
// transport's own goroutines and must not block for long.
type Handler func(Message)

// Client is the broker surface the service depends on.
type Client interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Close() error
}

// Kind names a broker implementation.
type Kind string

const (
	KindMQTT   Kind = "mqtt"
	KindAMQP   Kind = "amqp"
	KindMemory Kind = "memory"
)

var ErrNotConnected = errors.New("broker not connected")

// Config is shared by every transport. Fields a transport does not use are
// ignored.
type Config struct {
	Kind           Kind
	URL            string
	Username       string
	Password       string
	ClientIDPrefix string
	QoS            byte
	Exchange       string
}

// ParseKind validates a configured broker kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindMQTT, KindAMQP, KindMemory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown broker kind %q", s)
	}
}

// clientID returns a unique client identifier so parallel instances never
// steal each other's session.
func clientID(prefix string) string {
	if prefix == "" {
		prefix = "identity"
	}
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Dial opens the transport selected by cfg.Kind.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (Client, error) {
	switch cfg.Kind {
	case KindMQTT:
		return DialMQTT(ctx, cfg, log)
	case KindAMQP:
		return DialAMQP(ctx, cfg, log)
	case KindMemory:
		log.Warn().Msg("using in-process broker; no external client can reach this service")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
