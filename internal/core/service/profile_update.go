package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

type profileUpdateRequest struct {
	IDToken       string     `json:"idToken" validate:"required"`
	OldPassword   string     `json:"oldPassword" validate:"required"`
	NewPassword   string     `json:"newPassword"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	Email         string     `json:"email"`
	AffiliationID flexString `json:"affiliationId"`
	RequestID     string     `json:"requestId"`
}

// correlationID falls back to the token when the caller sent no requestId.
func (r profileUpdateRequest) correlationID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.IDToken
}

type profileUpdateReply struct {
	UpdateStatus string `json:"updateStatus"`
	domain.AccountView
	IDToken string `json:"idToken"`
}

// ProfileUpdateHandler changes names, email, password or affiliation of the
// account identified by a session token. Omitted fields keep their value.
type ProfileUpdateHandler struct {
	accounts ports.AccountRepository
	hasher   ports.PasswordHasher
	tokens   ports.TokenService
	reply    replier
	log      zerolog.Logger
}

func NewProfileUpdateHandler(d Deps) *ProfileUpdateHandler {
	return &ProfileUpdateHandler{
		accounts: d.Accounts,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		reply:    d.replier(),
		log:      d.Log.With().Str("handler", "profile_update").Logger(),
	}
}

func (h *ProfileUpdateHandler) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	var req profileUpdateRequest
	if !decode(h.log, route, payload, &req) {
		return nil
	}
	cid := req.correlationID()
	if uncorrelated(h.log, route, cid) {
		return nil
	}

	account, token, err := h.update(ctx, req)
	if err != nil {
		return h.reply.outcome(ctx, route.Op, cid, err)
	}
	return h.reply.success(ctx, route, cid, profileUpdateReply{
		UpdateStatus: "Update successful",
		AccountView:  account.View(),
		IDToken:      token,
	})
}

func (h *ProfileUpdateHandler) update(ctx context.Context, req profileUpdateRequest) (*domain.Account, string, error) {
	if err := requireFields(req); err != nil {
		return nil, "", err
	}

	claims, err := h.tokens.Verify(req.IDToken)
	if err != nil {
		return nil, "", domain.Reject(domain.MsgInvalidCredentials)
	}
	account, err := h.accounts.FindByPublicID(ctx, claims.Kind, claims.PublicID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, "", domain.Reject(domain.MsgInvalidCredentials)
	}
	if err != nil {
		return nil, "", fmt.Errorf("profile update: %w", err)
	}

	if !h.hasher.Compare(account.PasswordHash, req.OldPassword) {
		return nil, "", domain.Reject(domain.MsgInvalidCredentials)
	}
	if req.NewPassword != "" {
		if err := checkPassword(req.NewPassword); err != nil {
			return nil, "", err
		}
	}

	changes, err := h.changes(ctx, account, req)
	if err != nil {
		return nil, "", err
	}

	updated := account
	if !changes.Empty() {
		updated, err = h.accounts.UpdateProfile(ctx, claims.Kind, account.PublicID, changes)
		switch {
		case errors.Is(err, domain.ErrAccountExists):
			return nil, "", domain.Reject(domain.MsgEmailInUse)
		case errors.Is(err, domain.ErrAccountNotFound):
			return nil, "", domain.Reject(domain.MsgInvalidCredentials)
		case err != nil:
			return nil, "", fmt.Errorf("profile update: %w", err)
		}
	}

	token, err := h.tokens.Issue(updated)
	if err != nil {
		return nil, "", fmt.Errorf("profile update: issue token: %w", err)
	}
	return updated, token, nil
}

func (h *ProfileUpdateHandler) changes(ctx context.Context, account *domain.Account, req profileUpdateRequest) (domain.ProfileChanges, error) {
	var c domain.ProfileChanges
	if req.FirstName != "" {
		c.FirstName = &req.FirstName
	}
	if req.LastName != "" {
		c.LastName = &req.LastName
	}

	if email := normalizeEmail(req.Email); email != "" && email != account.Email {
		if !validEmail(email) {
			return c, domain.Reject(domain.MsgInvalidEmail)
		}
		_, err := h.accounts.FindByEmail(ctx, account.Kind(), email)
		switch {
		case err == nil:
			return c, domain.Reject(domain.MsgEmailInUse)
		case !errors.Is(err, domain.ErrAccountNotFound):
			return c, fmt.Errorf("profile update: %w", err)
		}
		c.Email = &email
	}

	if account.Kind() == domain.KindOperator && req.AffiliationID != "" {
		affiliation := string(req.AffiliationID)
		c.AffiliationID = &affiliation
	}

	if req.NewPassword != "" {
		hash, err := h.hasher.Hash(req.NewPassword)
		if err != nil {
			return c, fmt.Errorf("profile update: hash password: %w", err)
		}
		c.PasswordHash = &hash
	}
	return c, nil
}
