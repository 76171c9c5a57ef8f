package domain

import (
	"strconv"
	"time"
)

// Kind selects one of the two parallel credential domains. Email uniqueness and
// the public identifier space are independent per kind.
type Kind uint8

const (
	KindSubject Kind = iota + 1
	KindOperator
)

// Kinds lists every account kind in a stable order.
var Kinds = []Kind{KindSubject, KindOperator}

// String returns the role tag carried in session tokens.
func (k Kind) String() string {
	switch k {
	case KindSubject:
		return "Subject"
	case KindOperator:
		return "Operator"
	default:
		return "Unknown"
	}
}

// Segment returns the lowercase topic segment for the kind.
func (k Kind) Segment() string {
	switch k {
	case KindSubject:
		return "subject"
	case KindOperator:
		return "operator"
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSubject || k == KindOperator
}

// ParseRole maps a token role tag back to its kind.
func ParseRole(role string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == role {
			return k, true
		}
	}
	return 0, false
}

// Extra carries the kind-specific part of an account. It is either
// SubjectExtra or OperatorExtra.
type Extra interface {
	kind() Kind
}

// SubjectExtra is the (empty) extension of Subject accounts.
type SubjectExtra struct{}

func (SubjectExtra) kind() Kind { return KindSubject }

// OperatorExtra is the extension of Operator accounts.
type OperatorExtra struct {
	AffiliationID string
}

func (OperatorExtra) kind() Kind { return KindOperator }

// ExtraFor returns the zero extension for kind, filling the affiliation for operators.
func ExtraFor(k Kind, affiliationID string) Extra {
	if k == KindOperator {
		return OperatorExtra{AffiliationID: affiliationID}
	}
	return SubjectExtra{}
}

// Account models a registered credential holder of either kind.
type Account struct {
	PublicID     int64
	FirstName    string
	LastName     string
	Email        string
	PasswordHash string
	ResetCode    string
	Extra        Extra
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Kind derives the account kind from its extension.
func (a *Account) Kind() Kind {
	if a.Extra == nil {
		return KindSubject
	}
	return a.Extra.kind()
}

// AffiliationID returns the operator affiliation, or "" for subjects.
func (a *Account) AffiliationID() string {
	if op, ok := a.Extra.(OperatorExtra); ok {
		return op.AffiliationID
	}
	return ""
}

// Audience is the public identifier rendered as a token audience.
func (a *Account) Audience() string {
	return strconv.FormatInt(a.PublicID, 10)
}

// AccountView is the public projection of an account sent in replies.
type AccountView struct {
	ID            int64  `json:"id"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
	AffiliationID string `json:"affiliationId,omitempty"`
}

// View projects the account without any credential material.
func (a *Account) View() AccountView {
	return AccountView{
		ID:            a.PublicID,
		FirstName:     a.FirstName,
		LastName:      a.LastName,
		Email:         a.Email,
		AffiliationID: a.AffiliationID(),
	}
}

// ProfileChanges lists the fields a profile update overwrites. Nil fields are
// left untouched.
type ProfileChanges struct {
	FirstName     *string
	LastName      *string
	Email         *string
	PasswordHash  *string
	AffiliationID *string
}

// Empty reports whether no field would change.
func (c ProfileChanges) Empty() bool {
	return c.FirstName == nil && c.LastName == nil && c.Email == nil &&
		c.PasswordHash == nil && c.AffiliationID == nil
}

// TokenClaims is the verified content of a session token.
type TokenClaims struct {
	PublicID  int64
	Kind      Kind
	Email     string
	FirstName string
	LastName  string
	ExpiresAt time.Time
}
