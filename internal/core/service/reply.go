package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const statusSuccess = "success"

type errorReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// replier publishes the single terminal reply of a correlated request.
type replier struct {
	pub    ports.Publisher
	topics domain.Topics
	log    zerolog.Logger
}

func (r replier) publish(ctx context.Context, topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply for %s: %w", topic, err)
	}
	if err := r.pub.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r replier) success(ctx context.Context, route domain.Route, correlationID string, v any) error {
	return r.publish(ctx, r.topics.Success(route, correlationID), v)
}

// outcome answers a failed pipeline. Validation errors are published verbatim
// and swallowed; anything else is logged, answered generically and returned so
// the breaker counts it.
func (r replier) outcome(ctx context.Context, op domain.Operation, correlationID string, err error) error {
	topic := r.topics.Error(op, correlationID)

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		r.log.Debug().
			Str("operation", op.String()).
			Str("request_id", correlationID).
			Str("reason", ve.Msg).
			Msg("request rejected")
		return r.publish(ctx, topic, errorReply{Status: "error", Error: ve.Msg})
	}

	r.log.Error().
		Err(err).
		Str("operation", op.String()).
		Str("request_id", correlationID).
		Msg("request failed")
	if pubErr := r.publish(ctx, topic, errorReply{Status: "error", Error: domain.MsgInternal}); pubErr != nil {
		return errors.Join(err, pubErr)
	}
	return err
}

// decode parses a request payload. Malformed payloads cannot be answered, so
// they are logged and reported as false.
func decode(log zerolog.Logger, route domain.Route, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		log.Warn().
			Err(err).
			Str("route", route.String()).
			Int("bytes", len(payload)).
			Msg("malformed request dropped")
		return false
	}
	return true
}

// uncorrelated reports a request whose correlation id cannot name a reply
// topic. Such requests cannot be answered and are logged and dropped.
func uncorrelated(log zerolog.Logger, route domain.Route, id string) bool {
	if domain.ValidCorrelationID(id) {
		return false
	}
	log.Warn().
		Str("route", route.String()).
		Int("id_bytes", len(id)).
		Msg("request without usable correlation id dropped")
	return true
}

// flexString accepts a JSON string or number. Clients send affiliation ids and
// reset codes either way.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}
