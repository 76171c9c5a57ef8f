package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
	"github.com/dentistimo/identity-service/internal/infrastructure/breaker"
	"github.com/dentistimo/identity-service/internal/infrastructure/broker"
)

type passGuard struct{}

func (passGuard) Do(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type openGuard struct{}

func (openGuard) Do(context.Context, func(context.Context) error) error { return breaker.ErrOpen }

type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *memoryDedup) FirstSeen(_ context.Context, topic, requestID string, payload []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	key := topic + "|" + requestID + "|" + string(payload)
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memoryDedup) Forget(_ context.Context, topic, requestID string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, topic+"|"+requestID+"|"+string(payload))
	return nil
}

type harness struct {
	bus     *broker.Memory
	handler *recordingHandler
	disp    *Dispatcher
	cancel  context.CancelFunc
}

func startHarness(t *testing.T, guard Guard, dedup Deduplicator) *harness {
	t.Helper()
	h := &harness{bus: broker.NewMemory(), handler: &recordingHandler{}}
	router, err := NewRouter(domain.NewTopics(""), handlerSet{def: h.handler}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.disp = NewDispatcher(4, h.bus, router, guard, dedup, zerolog.Nop())
	require.NoError(t, h.disp.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.disp.Wait()
	})
	return h
}

func (h *harness) publish(t *testing.T, topic, payload string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), topic, []byte(payload)))
}

func TestDispatcher_SubscribesEveryRequestTopic(t *testing.T) {
	h := startHarness(t, passGuard{}, nil)
	assert.Len(t, h.bus.Topics(), 10)
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	h := startHarness(t, passGuard{}, nil)

	h.publish(t, "dentistimo/register/operator", `{"requestId":"r1"}`)
	h.publish(t, "dentistimo/token-verify", `{"idToken":"t"}`)

	require.Eventually(t, func() bool { return h.handler.count() == 2 }, time.Second, 5*time.Millisecond)
	routes := map[domain.Route]bool{}
	for _, c := range h.handler.all() {
		routes[c.Route] = true
	}
	assert.True(t, routes[domain.Route{Op: domain.OpRegister, Kind: domain.KindOperator}])
	assert.True(t, routes[domain.Route{Op: domain.OpVerifyToken}])
}

func TestDispatcher_OpenBreakerDropsEverything(t *testing.T) {
	h := startHarness(t, openGuard{}, nil)

	for i := 0; i < 5; i++ {
		h.publish(t, "dentistimo/login/subject", `{"requestId":"r1"}`)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, h.handler.count())
	for _, msg := range h.bus.Published() {
		assert.Equal(t, "dentistimo/login/subject", msg.Topic, "no reply may be published while open")
	}
}

func TestDispatcher_RealBreakerTripsOnFaults(t *testing.T) {
	guard := breaker.New(breaker.Settings{Name: t.Name(), Cooldown: time.Minute}, zerolog.Nop())
	h := startHarness(t, guard, nil)
	h.handler.err = errors.New("store down")

	for i := 0; i < 4; i++ {
		h.publish(t, "dentistimo/login/subject", `{"requestId":"r1"}`)
	}
	require.Eventually(t, func() bool { return guard.State() == breaker.StateOpen }, time.Second, 5*time.Millisecond)
	calls := h.handler.count()

	h.publish(t, "dentistimo/login/subject", `{"requestId":"r2"}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.handler.count(), "open breaker must not reach the handler")
}

func TestDispatcher_SuppressesDuplicates(t *testing.T) {
	h := startHarness(t, passGuard{}, &memoryDedup{seen: map[string]bool{}})

	h.publish(t, "dentistimo/login/subject", `{"requestId":"r1","email":"a@x.se"}`)
	h.publish(t, "dentistimo/login/subject", `{"requestId":"r1","email":"a@x.se"}`)
	h.publish(t, "dentistimo/login/subject", `{"requestId":"r1","email":"b@x.se"}`)
	h.publish(t, "dentistimo/token-verify", `{"idToken":"t"}`)
	h.publish(t, "dentistimo/token-verify", `{"idToken":"t"}`)

	require.Eventually(t, func() bool { return h.handler.count() == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, h.handler.count())
}

func TestDispatcher_RetryAfterFaultIsProcessed(t *testing.T) {
	bus := broker.NewMemory()
	handler := &recordingHandler{errs: []error{errors.New("store down")}}
	router, err := NewRouter(domain.NewTopics(""), handlerSet{def: handler}, zerolog.Nop())
	require.NoError(t, err)
	dedup := &memoryDedup{seen: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(1, bus, router, passGuard{}, dedup, zerolog.Nop())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})

	payload := []byte(`{"requestId":"r1","email":"a@x.se"}`)
	require.NoError(t, bus.Publish(context.Background(), "dentistimo/login/subject", payload))
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "dentistimo/login/subject", payload))
	require.Eventually(t, func() bool { return handler.count() == 2 }, time.Second, 5*time.Millisecond)

	// The successful attempt keeps its mark.
	require.NoError(t, bus.Publish(context.Background(), "dentistimo/login/subject", payload))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, handler.count())
}

func TestDispatcher_DedupFailureProcessesAnyway(t *testing.T) {
	h := startHarness(t, passGuard{}, &memoryDedup{err: errors.New("redis down")})

	h.publish(t, "dentistimo/login/subject", `{"requestId":"r1"}`)
	require.Eventually(t, func() bool { return h.handler.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_UnknownTopicDropped(t *testing.T) {
	h := startHarness(t, passGuard{}, nil)

	h.disp.Enqueue(broker.Message{Topic: "dentistimo/delete-everything", Payload: []byte(`{}`)})
	h.publish(t, "dentistimo/login/subject", `{"requestId":"r1"}`)

	require.Eventually(t, func() bool { return h.handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.OpLogin, h.handler.all()[0].Route.Op)
}

func TestDispatcher_SubscribeFailureIsFatal(t *testing.T) {
	bus := broker.NewMemory()
	bus.FailSubscribe("dentistimo/send-code/operator", errors.New("not authorized"))
	router, err := NewRouter(domain.NewTopics(""), handlerSet{def: &recordingHandler{}}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(2, bus, router, passGuard{}, nil, zerolog.Nop())
	err = d.Start(ctx)
	cancel()
	d.Wait()

	assert.ErrorContains(t, err, "not authorized")
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	h := startHarness(t, passGuard{}, nil)
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.disp.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	// Enqueue after shutdown must not block.
	h.disp.Enqueue(broker.Message{Topic: "dentistimo/login/subject"})
}

var _ ports.OperationHandler = (*recordingHandler)(nil)
