package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/dentistimo/identity-service/internal/core/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// requireFields checks the `validate:"required"` tags of a request struct.
func requireFields(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return &domain.ValidationError{Msg: domain.MsgFieldsRequired}
	}
	return fmt.Errorf("validate request: %w", err)
}

func validEmail(email string) bool {
	return validate.Var(email, "required,email") == nil
}

func checkPassword(password string) error {
	if utf8.RuneCountInString(password) < domain.MinPasswordLength {
		return domain.Reject(domain.MsgPasswordTooShort)
	}
	if len(password) > domain.MaxPasswordBytes {
		return domain.Reject(domain.MsgPasswordTooLong)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
