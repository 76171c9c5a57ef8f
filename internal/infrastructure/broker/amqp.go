package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	defaultExchange     = "identity"
	amqpPrefetch        = 50
	amqpMaxRedialDelay  = 30 * time.Second
	amqpInitialRedial   = time.Second
	amqpContentTypeJSON = "application/json"
)

// AMQP is a Client backed by a RabbitMQ topic exchange. Topic segments map
// to routing-key words ("a/b/c" routes as "a.b.c"); every subscription gets an
// exclusive server-named queue bound to its exact routing key.
type AMQP struct {
	url      string
	exchange string
	prefix   string
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	subs   map[string]Handler
	closed bool
}

// DialAMQP connects, declares the exchange and starts the redial supervisor.
func DialAMQP(ctx context.Context, cfg Config, log zerolog.Logger) (*AMQP, error) {
	a := &AMQP{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		prefix:   cfg.ClientIDPrefix,
		log:      log.With().Str("broker", string(KindAMQP)).Logger(),
		subs:     make(map[string]Handler),
	}
	if a.exchange == "" {
		a.exchange = defaultExchange
	}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// RoutingKey converts a slash-separated topic into an AMQP routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (a *AMQP) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Properties: amqp.Table{"connection_name": clientID(a.prefix)},
		Heartbeat:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel open: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	a.mu.Lock()
	a.conn, a.pubCh = conn, ch
	subs := make(map[string]Handler, len(a.subs))
	for t, h := range a.subs {
		subs[t] = h
	}
	a.mu.Unlock()

	for topic, h := range subs {
		if err := a.consume(ctx, conn, topic, h); err != nil {
			a.log.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}

	go a.supervise(conn.NotifyClose(make(chan *amqp.Error, 1)))
	a.log.Info().Str("exchange", a.exchange).Msg("connected")
	return nil
}

// supervise redials with exponential backoff after an unexpected close.
func (a *AMQP) supervise(closed <-chan *amqp.Error) {
	reason, ok := <-closed
	if !ok {
		return
	}
	a.log.Warn().Str("reason", reason.Error()).Msg("connection closed")

	backoff := amqpInitialRedial
	for {
		a.mu.Lock()
		shutdown := a.closed
		a.mu.Unlock()
		if shutdown {
			return
		}

		time.Sleep(backoff)
		if err := a.connect(context.Background()); err != nil {
			a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("redial failed")
			if backoff < amqpMaxRedialDelay {
				backoff *= 2
			}
			continue
		}
		return
	}
}

func (a *AMQP) consume(ctx context.Context, conn *amqp.Connection, topic string, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	if err := ch.Qos(amqpPrefetch, 0, false); err != nil {
		a.log.Warn().Err(err).Msg("set QoS failed")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(topic), a.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue bind: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue consume: %w", err)
	}

	go func() {
		for d := range deliveries {
			h(Message{Topic: topic, Payload: d.Body})
		}
	}()
	return nil
}

func (a *AMQP) Subscribe(ctx context.Context, topic string, h Handler) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}
	// Deliveries outlive the subscribe call; only the setup honours ctx.
	if err := a.consume(context.WithoutCancel(ctx), conn, topic, h); err != nil {
		return fmt.Errorf("amqp subscribe %s: %w", topic, err)
	}
	a.mu.Lock()
	a.subs[topic] = h
	a.mu.Unlock()
	a.log.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

func (a *AMQP) Publish(ctx context.Context, topic string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pubCh == nil || a.pubCh.IsClosed() {
		return ErrNotConnected
	}
	err := a.pubCh.PublishWithContext(ctx, a.exchange, RoutingKey(topic), false, false, amqp.Publishing{
		ContentType: amqpContentTypeJSON,
		Timestamp:   time.Now().UTC(),
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}
	return nil
}

func (a *AMQP) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && !a.conn.IsClosed()
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
