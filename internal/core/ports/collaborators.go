package ports

import (
	"context"

	"github.com/dentistimo/identity-service/internal/core/domain"
)

// Publisher sends a payload on a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PasswordHasher hashes and compares passwords. The salt is embedded in the hash.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Compare(hash, plain string) bool
}

// TokenService issues and verifies session tokens. Verify reports every
// failure as domain.ErrInvalidToken.
type TokenService interface {
	Issue(account *domain.Account) (string, error)
	Verify(token string) (*domain.TokenClaims, error)
}

// Mailer delivers a plain-text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Limiter reports whether another action for key is allowed now.
type Limiter interface {
	Allow(key string) bool
}
