package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const (
	statusAuthorized   = "Authorized"
	statusUnauthorized = "Unauthorized"
)

type verifyRequest struct {
	IDToken string `json:"idToken"`
}

type verifyReply struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// TokenVerificationHandler answers every request on the fixed verification
// response topic. Failures are never explained.
type TokenVerificationHandler struct {
	tokens ports.TokenService
	reply  replier
	log    zerolog.Logger
}

func NewTokenVerificationHandler(d Deps) *TokenVerificationHandler {
	return &TokenVerificationHandler{
		tokens: d.Tokens,
		reply:  d.replier(),
		log:    d.Log.With().Str("handler", "token_verify").Logger(),
	}
}

func (h *TokenVerificationHandler) Handle(ctx context.Context, _ domain.Route, payload []byte) error {
	topic := h.reply.topics.VerifyResponse()

	var req verifyRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.IDToken == "" {
		h.log.Debug().Msg("verification request without token")
		return h.reply.publish(ctx, topic, verifyReply{Status: statusUnauthorized})
	}

	claims, err := h.tokens.Verify(req.IDToken)
	if err != nil {
		h.log.Debug().Err(err).Msg("token rejected")
		return h.reply.publish(ctx, topic, verifyReply{Status: statusUnauthorized})
	}

	return h.reply.publish(ctx, topic, verifyReply{
		Status: statusAuthorized,
		ID:     strconv.FormatInt(claims.PublicID, 10),
		Role:   claims.Kind.String(),
	})
}
