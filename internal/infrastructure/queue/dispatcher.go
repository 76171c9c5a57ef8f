package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dentistimo/identity-service/internal/infrastructure/breaker"
	"github.com/dentistimo/identity-service/internal/infrastructure/broker"
	"github.com/dentistimo/identity-service/internal/infrastructure/metrics"
)

const (
	defaultWorkers = 16
	channelBuffer  = 256
	tracerName     = "github.com/dentistimo/identity-service/internal/infrastructure/queue"
)

// Subscriber is the broker capability the dispatcher needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h broker.Handler) error
}

// Guard wraps a dispatch; the circuit breaker in production.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deduplicator reports whether a delivery is seen for the first time. Forget
// releases a mark so a retry of a failed delivery is processed again.
type Deduplicator interface {
	FirstSeen(ctx context.Context, topic, requestID string, payload []byte) (bool, error)
	Forget(ctx context.Context, topic, requestID string, payload []byte) error
}

// Dispatcher subscribes the request topics and feeds inbound messages to a
// pool of workers, each dispatching through the guard to the router.
type Dispatcher struct {
	sub     Subscriber
	router  *Router
	guard   Guard
	dedup   Deduplicator
	workers int
	queue   chan broker.Message
	tracer  trace.Tracer
	log     zerolog.Logger

	wg   sync.WaitGroup
	done <-chan struct{}
}

// NewDispatcher creates a Dispatcher with numWorkers workers.
// If numWorkers <= 0, defaultWorkers is used. dedup may be nil.
func NewDispatcher(numWorkers int, sub Subscriber, router *Router, guard Guard, dedup Deduplicator, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	return &Dispatcher{
		sub:     sub,
		router:  router,
		guard:   guard,
		dedup:   dedup,
		workers: numWorkers,
		queue:   make(chan broker.Message, channelBuffer),
		tracer:  otel.Tracer(tracerName),
		log:     log,
	}
}

// Start launches the workers and subscribes every request topic. A failed
// subscription is fatal: the service never runs partially subscribed. Workers
// stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.done = ctx.Done()
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range d.router.Topics() {
		topic := topic
		g.Go(func() error {
			return d.sub.Subscribe(gctx, topic, d.Enqueue)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.log.Info().Int("topics", len(d.router.Topics())).Int("workers", d.workers).Msg("dispatcher started")
	return nil
}

// Wait blocks until every worker has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue hands a delivery to the worker pool. It blocks while the queue is
// full, pushing back on the broker client, and gives up on shutdown.
func (d *Dispatcher) Enqueue(msg broker.Message) {
	select {
	case d.queue <- msg:
		metrics.DispatchQueueDepth.Inc()
	case <-d.done:
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			metrics.DispatchQueueDepth.Dec()
			d.dispatch(ctx, id, msg)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, worker int, msg broker.Message) {
	label := "unknown"
	if route, ok := d.router.Resolve(msg.Topic); ok {
		label = route.String()
	} else {
		metrics.MessagesDroppedTotal.WithLabelValues("unknown_topic").Inc()
	}
	metrics.MessagesReceivedTotal.WithLabelValues(label).Inc()

	ctx, span := d.tracer.Start(ctx, "dispatch "+label,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.message.body.size", len(msg.Payload)),
		),
	)
	defer span.End()

	start := time.Now()
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		requestID, fresh := d.claim(ctx, msg)
		if !fresh {
			metrics.MessagesDroppedTotal.WithLabelValues("duplicate").Inc()
			d.log.Debug().Str("topic", msg.Topic).Msg("duplicate delivery skipped")
			return nil
		}
		if err := d.router.Handle(ctx, msg.Topic, msg.Payload); err != nil {
			d.release(ctx, msg, requestID)
			return err
		}
		return nil
	})

	outcome := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		metrics.MessagesDroppedTotal.WithLabelValues("breaker_open").Inc()
		span.SetStatus(codes.Error, "breaker open")
		d.log.Warn().Str("topic", msg.Topic).Msg("circuit open, message dropped")
		return
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int("worker_id", worker).
			Msg("dispatch failed")
	}
	metrics.DispatchDuration.WithLabelValues(label, outcome).Observe(time.Since(start).Seconds())
}

// claim marks a delivery as seen and reports whether it is the first one. It
// returns the request id the mark was taken under, empty when none was taken.
// Dedup store failures let the message through.
func (d *Dispatcher) claim(ctx context.Context, msg broker.Message) (string, bool) {
	if d.dedup == nil {
		return "", true
	}
	var envelope struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(msg.Payload, &envelope) != nil || envelope.RequestID == "" {
		return "", true
	}
	first, err := d.dedup.FirstSeen(ctx, msg.Topic, envelope.RequestID, msg.Payload)
	if err != nil {
		d.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dedup check failed, processing anyway")
		return "", true
	}
	return envelope.RequestID, first
}

// release drops the mark of a failed delivery.
func (d *Dispatcher) release(ctx context.Context, msg broker.Message, requestID string) {
	if d.dedup == nil || requestID == "" {
		return
	}
	if err := d.dedup.Forget(context.WithoutCancel(ctx), msg.Topic, requestID, msg.Payload); err != nil {
		d.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dedup release failed")
	}
}
