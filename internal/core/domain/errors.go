package domain

import "errors"

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrPublicIDTaken    = errors.New("public identifier already taken")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidResetCode = errors.New("invalid reset code")
	ErrIDSpaceExhausted = errors.New("public identifier generation exhausted")
)

// Reply messages shown to callers on the error topics.
const (
	MsgFieldsRequired     = "All fields are required"
	MsgAffiliationMissing = "Affiliation is required"
	MsgInvalidEmail       = "Invalid email address"
	MsgPasswordMismatch   = "Passwords do not match"
	MsgPasswordTooShort   = "Password must be at least 8 characters long"
	MsgPasswordTooLong    = "Password must be at most 72 bytes long"
	MsgEmailInUse         = "Email is already in use"
	MsgLoginFailed        = "User name or password incorrect"
	MsgInvalidCredentials = "Invalid credentials"
	MsgInvalidCode        = "Invalid code"
	MsgCodeSent           = "An email has been sent if there is an account associated with that email"
	MsgInternal           = "Internal server error"
)

// Password length bounds. The upper bound is the bcrypt input limit.
const (
	MinPasswordLength = 8
	MaxPasswordBytes  = 72
)

// ValidationError is a caller-fixable rejection. Its message is safe to publish.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Reject builds a ValidationError with msg.
func Reject(msg string) error {
	return &ValidationError{Msg: msg}
}
