package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

type call struct {
	Route   domain.Route
	Payload string
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	err   error
	// errs are returned by successive calls before err applies.
	errs []error
}

func (h *recordingHandler) Handle(_ context.Context, route domain.Route, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{Route: route, Payload: string(payload)})
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) all() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

// handlerSet serves the same recording handler for every operation unless
// overridden.
type handlerSet struct {
	def  ports.OperationHandler
	byOp map[domain.Operation]ports.OperationHandler
}

func (s handlerSet) For(op domain.Operation) ports.OperationHandler {
	if h, ok := s.byOp[op]; ok {
		return h
	}
	return s.def
}

func TestNewRouter_TopicTable(t *testing.T) {
	r, err := NewRouter(domain.NewTopics(""), handlerSet{def: &recordingHandler{}}, zerolog.Nop())
	require.NoError(t, err)

	topics := r.Topics()
	assert.Len(t, topics, 10)
	assert.Contains(t, topics, "dentistimo/register/subject")
	assert.Contains(t, topics, "dentistimo/reset-password/operator")
	assert.Contains(t, topics, "dentistimo/profile-update")
	assert.Contains(t, topics, "dentistimo/token-verify")
	assert.NotContains(t, topics, "dentistimo/profile-update/subject")

	route, ok := r.Resolve("dentistimo/send-code/operator")
	require.True(t, ok)
	assert.Equal(t, domain.Route{Op: domain.OpSendCode, Kind: domain.KindOperator}, route)
}

func TestNewRouter_MissingHandler(t *testing.T) {
	set := handlerSet{def: &recordingHandler{}, byOp: map[domain.Operation]ports.OperationHandler{domain.OpLogin: nil}}
	_, err := NewRouter(domain.NewTopics(""), set, zerolog.Nop())
	assert.Error(t, err)
}

func TestRouter_Handle(t *testing.T) {
	login := &recordingHandler{}
	var verified []domain.Route
	verify := ports.OperationHandlerFunc(func(_ context.Context, route domain.Route, _ []byte) error {
		verified = append(verified, route)
		return nil
	})
	set := handlerSet{def: &recordingHandler{}, byOp: map[domain.Operation]ports.OperationHandler{
		domain.OpLogin:       login,
		domain.OpVerifyToken: verify,
	}}
	r, err := NewRouter(domain.NewTopics("clinic"), set, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Handle(context.Background(), "clinic/login/operator", []byte(`{}`)))
	require.NoError(t, r.Handle(context.Background(), "clinic/login/admin", []byte(`{}`)))
	require.NoError(t, r.Handle(context.Background(), "dentistimo/login/operator", []byte(`{}`)))
	require.NoError(t, r.Handle(context.Background(), "clinic/token-verify", []byte(`{}`)))

	assert.Equal(t, []call{{Route: domain.Route{Op: domain.OpLogin, Kind: domain.KindOperator}, Payload: "{}"}}, login.all())
	assert.Equal(t, []domain.Route{{Op: domain.OpVerifyToken}}, verified)
}
