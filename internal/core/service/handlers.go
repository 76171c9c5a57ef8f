package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

// Deps are the collaborators shared by every operation handler.
type Deps struct {
	Accounts    ports.AccountRepository
	Publisher   ports.Publisher
	Hasher      ports.PasswordHasher
	Tokens      ports.TokenService
	Mailer      ports.Mailer
	CodeLimiter ports.Limiter // optional
	IDs         *IDGenerator
	Topics      domain.Topics
	Log         zerolog.Logger
}

func (d Deps) replier() replier {
	return replier{pub: d.Publisher, topics: d.Topics, log: d.Log}
}

// Handlers holds exactly one handler per operation.
type Handlers struct {
	Register      ports.OperationHandler
	Login         ports.OperationHandler
	ProfileUpdate ports.OperationHandler
	SendCode      ports.OperationHandler
	ResetPassword ports.OperationHandler
	VerifyToken   ports.OperationHandler
}

// NewHandlers wires the credential-lifecycle handlers.
func NewHandlers(d Deps) Handlers {
	return Handlers{
		Register:      NewRegistrationHandler(d),
		Login:         NewLoginHandler(d),
		ProfileUpdate: NewProfileUpdateHandler(d),
		SendCode:      NewSendCodeHandler(d),
		ResetPassword: NewResetPasswordHandler(d),
		VerifyToken:   NewTokenVerificationHandler(d),
	}
}

// For returns the handler registered for op, or nil.
func (h Handlers) For(op domain.Operation) ports.OperationHandler {
	switch op {
	case domain.OpRegister:
		return h.Register
	case domain.OpLogin:
		return h.Login
	case domain.OpProfileUpdate:
		return h.ProfileUpdate
	case domain.OpSendCode:
		return h.SendCode
	case domain.OpResetPassword:
		return h.ResetPassword
	case domain.OpVerifyToken:
		return h.VerifyToken
	default:
		return nil
	}
}

// Validate fails when an operation has no handler.
func (h Handlers) Validate() error {
	for _, op := range domain.Operations {
		if h.For(op) == nil {
			return fmt.Errorf("no handler for operation %s", op)
		}
	}
	return nil
}
