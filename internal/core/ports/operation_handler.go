package ports

import (
	"context"

	"github.com/dentistimo/identity-service/internal/core/domain"
)

// OperationHandler runs one credential-lifecycle pipeline for a raw request
// payload. It publishes at most one terminal reply and returns an error only for
// store or transport faults; caller mistakes are answered on the error topic
// and yield nil.
type OperationHandler interface {
	Handle(ctx context.Context, route domain.Route, payload []byte) error
}

// OperationHandlerFunc adapts a function to OperationHandler.
type OperationHandlerFunc func(ctx context.Context, route domain.Route, payload []byte) error

func (f OperationHandlerFunc) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	return f(ctx, route, payload)
}
