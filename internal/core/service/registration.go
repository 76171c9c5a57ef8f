package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const maxSaveAttempts = 3

type registerRequest struct {
	FirstName     string     `json:"firstName" validate:"required"`
	LastName      string     `json:"lastName" validate:"required"`
	Email         string     `json:"email" validate:"required"`
	Password      string     `json:"password" validate:"required"`
	PasswordCheck string     `json:"passwordCheck" validate:"required"`
	AffiliationID flexString `json:"affiliationId"`
	RequestID     string     `json:"requestId"`
}

type registerReply struct {
	Status string `json:"status"`
	domain.AccountView
	IDToken string `json:"idToken"`
}

type operatorAdded struct {
	AffiliationID string `json:"affiliationId"`
	ID            int64  `json:"id"`
}

// RegistrationHandler creates Subject and Operator accounts.
type RegistrationHandler struct {
	accounts ports.AccountRepository
	hasher   ports.PasswordHasher
	tokens   ports.TokenService
	ids      *IDGenerator
	reply    replier
	log      zerolog.Logger
}

func NewRegistrationHandler(d Deps) *RegistrationHandler {
	return &RegistrationHandler{
		accounts: d.Accounts,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		ids:      d.IDs,
		reply:    d.replier(),
		log:      d.Log.With().Str("handler", "registration").Logger(),
	}
}

func (h *RegistrationHandler) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	var req registerRequest
	if !decode(h.log, route, payload, &req) {
		return nil
	}
	if uncorrelated(h.log, route, req.RequestID) {
		return nil
	}

	account, token, err := h.register(ctx, route.Kind, req)
	if err != nil {
		return h.reply.outcome(ctx, route.Op, req.RequestID, err)
	}

	if route.Kind == domain.KindOperator {
		event := operatorAdded{AffiliationID: account.AffiliationID(), ID: account.PublicID}
		if err := h.reply.publish(ctx, h.reply.topics.OperatorAdded(), event); err != nil {
			h.log.Warn().Err(err).Int64("public_id", account.PublicID).Msg("operator-added event not published")
		}
	}

	h.log.Info().
		Str("kind", route.Kind.String()).
		Int64("public_id", account.PublicID).
		Str("request_id", req.RequestID).
		Msg("account registered")

	return h.reply.success(ctx, route, req.RequestID, registerReply{
		Status:      statusSuccess,
		AccountView: account.View(),
		IDToken:     token,
	})
}

func (h *RegistrationHandler) register(ctx context.Context, kind domain.Kind, req registerRequest) (*domain.Account, string, error) {
	if kind == domain.KindOperator && req.AffiliationID == "" {
		return nil, "", domain.Reject(domain.MsgAffiliationMissing)
	}
	if err := requireFields(req); err != nil {
		return nil, "", err
	}
	email := normalizeEmail(req.Email)
	if !validEmail(email) {
		return nil, "", domain.Reject(domain.MsgInvalidEmail)
	}
	if req.Password != req.PasswordCheck {
		return nil, "", domain.Reject(domain.MsgPasswordMismatch)
	}
	if err := checkPassword(req.Password); err != nil {
		return nil, "", err
	}

	_, err := h.accounts.FindByEmail(ctx, kind, email)
	switch {
	case err == nil:
		return nil, "", domain.Reject(domain.MsgEmailInUse)
	case !errors.Is(err, domain.ErrAccountNotFound):
		return nil, "", fmt.Errorf("register: %w", err)
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		return nil, "", fmt.Errorf("register: hash password: %w", err)
	}

	now := time.Now().UTC()
	draft := &domain.Account{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        email,
		PasswordHash: hash,
		Extra:        domain.ExtraFor(kind, string(req.AffiliationID)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	saved, err := h.save(ctx, kind, draft)
	if err != nil {
		return nil, "", err
	}

	token, err := h.tokens.Issue(saved)
	if err != nil {
		return nil, "", fmt.Errorf("register: issue token: %w", err)
	}
	return saved, token, nil
}

// save persists the draft under a freshly generated id, drawing again when a
// concurrent registration claimed the same id between check and insert.
func (h *RegistrationHandler) save(ctx context.Context, kind domain.Kind, draft *domain.Account) (*domain.Account, error) {
	for attempt := 1; ; attempt++ {
		id, err := h.ids.Generate(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
		draft.PublicID = id

		saved, err := h.accounts.Save(ctx, draft)
		switch {
		case err == nil:
			return saved, nil
		case errors.Is(err, domain.ErrAccountExists):
			return nil, domain.Reject(domain.MsgEmailInUse)
		case errors.Is(err, domain.ErrPublicIDTaken) && attempt < maxSaveAttempts:
			h.log.Warn().Int64("public_id", id).Int("attempt", attempt).Msg("public id taken on insert, regenerating")
		default:
			return nil, fmt.Errorf("register: save account: %w", err)
		}
	}
}
