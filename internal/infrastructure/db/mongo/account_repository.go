package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const (
	collectionSubjects  = "subjects"
	collectionOperators = "operators"

	indexEmail    = "email_unique"
	indexPublicID = "public_id_unique"
)

// AccountRepository implements ports.AccountRepository with one collection per
// account kind.
type AccountRepository struct {
	subjects  *mongo.Collection
	operators *mongo.Collection
}

func NewAccountRepository(db *mongo.Database) *AccountRepository {
	return &AccountRepository{
		subjects:  db.Collection(collectionSubjects),
		operators: db.Collection(collectionOperators),
	}
}

type mongoAccount struct {
	PublicID      int64  `bson:"public_id"`
	FirstName     string `bson:"first_name"`
	LastName      string `bson:"last_name"`
	Email         string `bson:"email"`
	PasswordHash  string `bson:"password_hash"`
	AffiliationID string `bson:"affiliation_id,omitempty"`
	ResetCode     string `bson:"reset_code,omitempty"`
	CreatedAt     int64  `bson:"created_at"`
	UpdatedAt     int64  `bson:"updated_at"`
}

func (r *AccountRepository) coll(kind domain.Kind) (*mongo.Collection, error) {
	switch kind {
	case domain.KindSubject:
		return r.subjects, nil
	case domain.KindOperator:
		return r.operators, nil
	default:
		return nil, fmt.Errorf("unknown account kind %d", kind)
	}
}

func (r *AccountRepository) FindByEmail(ctx context.Context, kind domain.Kind, email string) (*domain.Account, error) {
	return r.findOne(ctx, kind, bson.M{"email": email})
}

func (r *AccountRepository) FindByPublicID(ctx context.Context, kind domain.Kind, id int64) (*domain.Account, error) {
	return r.findOne(ctx, kind, bson.M{"public_id": id})
}

func (r *AccountRepository) findOne(ctx context.Context, kind domain.Kind, filter bson.M) (*domain.Account, error) {
	coll, err := r.coll(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var doc mongoAccount
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	return doc.toDomain(kind), nil
}

// UpsertField sets or, for a nil value, unsets a single field by email.
func (r *AccountRepository) UpsertField(ctx context.Context, kind domain.Kind, email string, field ports.AccountField, value any) error {
	coll, err := r.coll(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{string(field): value, "updated_at": time.Now().UTC().Unix()}}
	if value == nil {
		update = bson.M{
			"$unset": bson.M{string(field): ""},
			"$set":   bson.M{"updated_at": time.Now().UTC().Unix()},
		}
	}

	_, err = coll.UpdateOne(ctx, bson.M{"email": email}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s.%s: %w", kind, field, err)
	}
	return nil
}

func (r *AccountRepository) Save(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	kind := account.Kind()
	coll, err := r.coll(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc := fromDomain(account)
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return nil, translateWriteError(fmt.Sprintf("insert %s", kind), err)
	}
	return doc.toDomain(kind), nil
}

func (r *AccountRepository) UpdateProfile(ctx context.Context, kind domain.Kind, id int64, changes domain.ProfileChanges) (*domain.Account, error) {
	coll, err := r.coll(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC().Unix()}
	setIf := func(key string, v *string) {
		if v != nil {
			set[key] = *v
		}
	}
	setIf("first_name", changes.FirstName)
	setIf("last_name", changes.LastName)
	setIf("email", changes.Email)
	setIf("password_hash", changes.PasswordHash)
	if kind == domain.KindOperator {
		setIf("affiliation_id", changes.AffiliationID)
	}

	var doc mongoAccount
	err = coll.FindOneAndUpdate(ctx,
		bson.M{"public_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, translateWriteError(fmt.Sprintf("update %s", kind), err)
	}
	return doc.toDomain(kind), nil
}

// ResetPassword matches on the stored code so a code is consumed at most once.
func (r *AccountRepository) ResetPassword(ctx context.Context, kind domain.Kind, email, code, passwordHash string) error {
	coll, err := r.coll(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := coll.UpdateOne(ctx,
		bson.M{"email": email, "reset_code": code},
		bson.M{
			"$set":   bson.M{"password_hash": passwordHash, "updated_at": time.Now().UTC().Unix()},
			"$unset": bson.M{"reset_code": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("reset %s password: %w", kind, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrInvalidResetCode
	}
	return nil
}

// EnsureIndexes creates the per-kind unique indexes that back email and public
// id uniqueness under concurrent registration.
func (r *AccountRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName(indexEmail)},
		{Keys: bson.D{{Key: "public_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName(indexPublicID)},
	}
	for _, coll := range []*mongo.Collection{r.subjects, r.operators} {
		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func translateWriteError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), indexPublicID) {
			return domain.ErrPublicIDTaken
		}
		return domain.ErrAccountExists
	}
	return fmt.Errorf("%s: %w", op, err)
}

func fromDomain(a *domain.Account) mongoAccount {
	return mongoAccount{
		PublicID:      a.PublicID,
		FirstName:     a.FirstName,
		LastName:      a.LastName,
		Email:         a.Email,
		PasswordHash:  a.PasswordHash,
		AffiliationID: a.AffiliationID(),
		ResetCode:     a.ResetCode,
		CreatedAt:     a.CreatedAt.Unix(),
		UpdatedAt:     a.UpdatedAt.Unix(),
	}
}

func (m mongoAccount) toDomain(kind domain.Kind) *domain.Account {
	return &domain.Account{
		PublicID:     m.PublicID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		ResetCode:    m.ResetCode,
		Extra:        domain.ExtraFor(kind, m.AffiliationID),
		CreatedAt:    unixToTime(m.CreatedAt),
		UpdatedAt:    unixToTime(m.UpdatedAt),
	}
}

func unixToTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
