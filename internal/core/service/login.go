package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

type loginRequest struct {
	Email     string `json:"email" validate:"required"`
	Password  string `json:"password" validate:"required"`
	RequestID string `json:"requestId"`
}

type loginReply struct {
	domain.AccountView
	IDToken string `json:"idToken"`
}

// LoginHandler exchanges email and password for a session token.
type LoginHandler struct {
	accounts ports.AccountRepository
	hasher   ports.PasswordHasher
	tokens   ports.TokenService
	reply    replier
	log      zerolog.Logger

	// dummy is compared against on unknown emails so both failures cost one
	// bcrypt comparison.
	dummyOnce sync.Once
	dummy     string
}

func NewLoginHandler(d Deps) *LoginHandler {
	return &LoginHandler{
		accounts: d.Accounts,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		reply:    d.replier(),
		log:      d.Log.With().Str("handler", "login").Logger(),
	}
}

func (h *LoginHandler) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	var req loginRequest
	if !decode(h.log, route, payload, &req) {
		return nil
	}
	if uncorrelated(h.log, route, req.RequestID) {
		return nil
	}

	account, token, err := h.login(ctx, route.Kind, req)
	if err != nil {
		return h.reply.outcome(ctx, route.Op, req.RequestID, err)
	}
	return h.reply.success(ctx, route, req.RequestID, loginReply{
		AccountView: account.View(),
		IDToken:     token,
	})
}

// login answers a missing account and a wrong password with the same message.
func (h *LoginHandler) login(ctx context.Context, kind domain.Kind, req loginRequest) (*domain.Account, string, error) {
	if err := requireFields(req); err != nil {
		return nil, "", err
	}

	account, err := h.accounts.FindByEmail(ctx, kind, normalizeEmail(req.Email))
	if errors.Is(err, domain.ErrAccountNotFound) {
		h.hasher.Compare(h.dummyHash(), req.Password)
		return nil, "", domain.Reject(domain.MsgLoginFailed)
	}
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	if !h.hasher.Compare(account.PasswordHash, req.Password) {
		return nil, "", domain.Reject(domain.MsgLoginFailed)
	}

	token, err := h.tokens.Issue(account)
	if err != nil {
		return nil, "", fmt.Errorf("login: issue token: %w", err)
	}
	return account, token, nil
}

func (h *LoginHandler) dummyHash() string {
	h.dummyOnce.Do(func() {
		hash, err := h.hasher.Hash("login-timing-equalizer")
		if err != nil {
			h.log.Warn().Err(err).Msg("dummy hash unavailable")
			return
		}
		h.dummy = hash
	})
	return h.dummy
}
