package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const (
	DefaultIDDigits = 10
	maxIDDigits     = 18
	maxIDAttempts   = 10
)

// IDGenerator draws short numeric public identifiers that are unique within an
// account kind. The check-then-insert race is closed by the store's unique
// index, not here.
type IDGenerator struct {
	accounts ports.AccountRepository
	digits   int
	attempts int
	draw     func(lo, hi int64) int64
	log      zerolog.Logger
}

func NewIDGenerator(accounts ports.AccountRepository, digits int, log zerolog.Logger) *IDGenerator {
	if digits <= 0 || digits > maxIDDigits {
		digits = DefaultIDDigits
	}
	return &IDGenerator{
		accounts: accounts,
		digits:   digits,
		attempts: maxIDAttempts,
		draw:     func(lo, hi int64) int64 { return lo + rand.Int63n(hi-lo) },
		log:      log,
	}
}

// Generate returns an identifier in [10^(d-1), 10^d) not yet used within kind.
func (g *IDGenerator) Generate(ctx context.Context, kind domain.Kind) (int64, error) {
	lo, hi := idRange(g.digits)
	for attempt := 1; attempt <= g.attempts; attempt++ {
		id := g.draw(lo, hi)
		_, err := g.accounts.FindByPublicID(ctx, kind, id)
		if errors.Is(err, domain.ErrAccountNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, fmt.Errorf("generate id: %w", err)
		}
		g.log.Warn().
			Int64("public_id", id).
			Str("kind", kind.String()).
			Int("attempt", attempt).
			Msg("public id collision")
	}
	return 0, fmt.Errorf("generate id for %s: %w after %d attempts", kind, domain.ErrIDSpaceExhausted, g.attempts)
}

func idRange(digits int) (lo, hi int64) {
	lo = 1
	for i := 1; i < digits; i++ {
		lo *= 10
	}
	return lo, lo * 10
}
