package ports

import (
	"context"

	"github.com/dentistimo/identity-service/internal/core/domain"
)

// AccountField names a single account attribute writable through UpsertField.
type AccountField string

const FieldResetCode AccountField = "reset_code"

// AccountRepository defines the credential store, partitioned by account kind.
// Lookups that match nothing return domain.ErrAccountNotFound.
type AccountRepository interface {
	FindByEmail(ctx context.Context, kind domain.Kind, email string) (*domain.Account, error)
	FindByPublicID(ctx context.Context, kind domain.Kind, id int64) (*domain.Account, error)

	// UpsertField sets field on the account with email. A nil value unsets it.
	UpsertField(ctx context.Context, kind domain.Kind, email string, field AccountField, value any) error

	// Save inserts a new account. Unique violations surface as
	// domain.ErrAccountExists (email) or domain.ErrPublicIDTaken.
	Save(ctx context.Context, account *domain.Account) (*domain.Account, error)

	// UpdateProfile applies the non-nil changes and returns the updated account.
	UpdateProfile(ctx context.Context, kind domain.Kind, id int64, changes domain.ProfileChanges) (*domain.Account, error)

	// ResetPassword replaces the hash and clears the reset code only while the
	// stored code still equals code; otherwise domain.ErrInvalidResetCode.
	ResetPassword(ctx context.Context, kind domain.Kind, email, code, passwordHash string) error
}
