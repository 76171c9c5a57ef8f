package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const (
	resetCodeDigits  = 6
	resetMailSubject = "Reset password"
	mailTimeout      = 30 * time.Second
)

type sendCodeRequest struct {
	Email     string `json:"email" validate:"required"`
	RequestID string `json:"requestId"`
}

// SendCodeHandler issues a one-time reset code and mails it. The reply never
// reveals whether the account exists.
type SendCodeHandler struct {
	accounts ports.AccountRepository
	mailer   ports.Mailer
	limiter  ports.Limiter
	reply    replier
	log      zerolog.Logger

	newCode func() (string, error)
	async   func(func())
}

func NewSendCodeHandler(d Deps) *SendCodeHandler {
	return &SendCodeHandler{
		accounts: d.Accounts,
		mailer:   d.Mailer,
		limiter:  d.CodeLimiter,
		reply:    d.replier(),
		log:      d.Log.With().Str("handler", "send_code").Logger(),
		newCode:  newResetCode,
		async:    func(f func()) { go f() },
	}
}

func (h *SendCodeHandler) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	var req sendCodeRequest
	if !decode(h.log, route, payload, &req) {
		return nil
	}
	if uncorrelated(h.log, route, req.RequestID) {
		return nil
	}

	if err := h.sendCode(ctx, route.Kind, req); err != nil {
		return h.reply.outcome(ctx, route.Op, req.RequestID, err)
	}
	return h.reply.success(ctx, route, req.RequestID, statusReply{
		Status:  statusSuccess,
		Message: domain.MsgCodeSent,
	})
}

func (h *SendCodeHandler) sendCode(ctx context.Context, kind domain.Kind, req sendCodeRequest) error {
	if err := requireFields(req); err != nil {
		return err
	}

	account, err := h.accounts.FindByEmail(ctx, kind, normalizeEmail(req.Email))
	if errors.Is(err, domain.ErrAccountNotFound) {
		h.log.Debug().Str("kind", kind.String()).Msg("reset code requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	key := kind.Segment() + ":" + strings.ToLower(account.Email)
	if h.limiter != nil && !h.limiter.Allow(key) {
		h.log.Info().Int64("public_id", account.PublicID).Msg("reset code request throttled")
		return nil
	}

	code, err := h.newCode()
	if err != nil {
		return fmt.Errorf("send code: generate: %w", err)
	}
	if err := h.accounts.UpsertField(ctx, kind, account.Email, ports.FieldResetCode, code); err != nil {
		return fmt.Errorf("send code: store: %w", err)
	}

	to := account.Email
	publicID := account.PublicID
	mailCtx := context.WithoutCancel(ctx)
	h.async(func() {
		ctx, cancel := context.WithTimeout(mailCtx, mailTimeout)
		defer cancel()
		body := "Here is the code for resetting your password: " + code
		if err := h.mailer.Send(ctx, to, resetMailSubject, body); err != nil {
			h.log.Error().Err(err).Int64("public_id", publicID).Msg("reset code email failed")
			return
		}
		h.log.Info().Int64("public_id", publicID).Msg("reset code email sent")
	})
	return nil
}

func newResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", resetCodeDigits, n.Int64()), nil
}

type resetPasswordRequest struct {
	Email       string     `json:"email" validate:"required"`
	UserCode    flexString `json:"userCode" validate:"required"`
	NewPassword string     `json:"newPassword" validate:"required"`
	RequestID   string     `json:"requestId"`
}

// ResetPasswordHandler consumes a reset code and sets a new password.
type ResetPasswordHandler struct {
	accounts ports.AccountRepository
	hasher   ports.PasswordHasher
	reply    replier
	log      zerolog.Logger
}

func NewResetPasswordHandler(d Deps) *ResetPasswordHandler {
	return &ResetPasswordHandler{
		accounts: d.Accounts,
		hasher:   d.Hasher,
		reply:    d.replier(),
		log:      d.Log.With().Str("handler", "reset_password").Logger(),
	}
}

func (h *ResetPasswordHandler) Handle(ctx context.Context, route domain.Route, payload []byte) error {
	var req resetPasswordRequest
	if !decode(h.log, route, payload, &req) {
		return nil
	}
	if uncorrelated(h.log, route, req.RequestID) {
		return nil
	}

	if err := h.reset(ctx, route.Kind, req); err != nil {
		return h.reply.outcome(ctx, route.Op, req.RequestID, err)
	}
	return h.reply.success(ctx, route, req.RequestID, statusReply{Status: "reset successful"})
}

func (h *ResetPasswordHandler) reset(ctx context.Context, kind domain.Kind, req resetPasswordRequest) error {
	if err := requireFields(req); err != nil {
		return err
	}

	account, err := h.accounts.FindByEmail(ctx, kind, normalizeEmail(req.Email))
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Reject(domain.MsgInvalidCode)
	}
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}

	code := string(req.UserCode)
	if account.ResetCode == "" || subtle.ConstantTimeCompare([]byte(account.ResetCode), []byte(code)) != 1 {
		return domain.Reject(domain.MsgInvalidCode)
	}
	if err := checkPassword(req.NewPassword); err != nil {
		return err
	}

	hash, err := h.hasher.Hash(req.NewPassword)
	if err != nil {
		return fmt.Errorf("reset password: hash: %w", err)
	}

	err = h.accounts.ResetPassword(ctx, kind, account.Email, code, hash)
	if errors.Is(err, domain.ErrInvalidResetCode) {
		return domain.Reject(domain.MsgInvalidCode)
	}
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}

	h.log.Info().Str("kind", kind.String()).Int64("public_id", account.PublicID).Msg("password reset")
	return nil
}
