package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

// HandlerSet resolves the handler of an operation.
type HandlerSet interface {
	For(op domain.Operation) ports.OperationHandler
}

// Router maps request topics to operation handlers through a static table.
type Router struct {
	routes   map[string]domain.Route
	handlers map[domain.Operation]ports.OperationHandler
	log      zerolog.Logger
}

// NewRouter builds the topic table for topics and fails if any operation has
// no handler.
func NewRouter(topics domain.Topics, set HandlerSet, log zerolog.Logger) (*Router, error) {
	r := &Router{
		routes:   topics.Routes(),
		handlers: make(map[domain.Operation]ports.OperationHandler, len(domain.Operations)),
		log:      log,
	}
	for _, op := range domain.Operations {
		h := set.For(op)
		if h == nil {
			return nil, fmt.Errorf("router: no handler for operation %s", op)
		}
		r.handlers[op] = h
	}
	return r, nil
}

// Topics returns every request topic, sorted.
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolve looks up the route of a request topic.
func (r *Router) Resolve(topic string) (domain.Route, bool) {
	route, ok := r.routes[topic]
	return route, ok
}

// Handle runs the handler for topic. Unknown topics are logged and dropped:
// no correlation id can be trusted, so nothing is published.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) error {
	route, ok := r.routes[topic]
	if !ok {
		r.log.Warn().Str("topic", topic).Msg("no route for topic, message dropped")
		return nil
	}
	return r.handlers[route.Op].Handle(ctx, route, payload)
}
