package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentistimo/identity-service/internal/core/domain"
	"github.com/dentistimo/identity-service/internal/core/ports"
)

const testSecret = "test-secret"

type stubAccountRepo struct {
	mu       sync.Mutex
	accounts map[domain.Kind]map[int64]*domain.Account

	// errFind, when set, is returned by every lookup.
	errFind error
	// saveErrs are returned by successive Save calls before normal behaviour resumes.
	saveErrs []error
	saves    int
}

func newStubAccountRepo() *stubAccountRepo {
	return &stubAccountRepo{accounts: map[domain.Kind]map[int64]*domain.Account{
		domain.KindSubject:  {},
		domain.KindOperator: {},
	}}
}

func cloneAccount(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

func (r *stubAccountRepo) byEmail(kind domain.Kind, email string) *domain.Account {
	for _, a := range r.accounts[kind] {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func (r *stubAccountRepo) FindByEmail(_ context.Context, kind domain.Kind, email string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errFind != nil {
		return nil, r.errFind
	}
	if a := r.byEmail(kind, email); a != nil {
		return cloneAccount(a), nil
	}
	return nil, domain.ErrAccountNotFound
}

func (r *stubAccountRepo) FindByPublicID(_ context.Context, kind domain.Kind, id int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errFind != nil {
		return nil, r.errFind
	}
	if a, ok := r.accounts[kind][id]; ok {
		return cloneAccount(a), nil
	}
	return nil, domain.ErrAccountNotFound
}

func (r *stubAccountRepo) UpsertField(_ context.Context, kind domain.Kind, email string, field ports.AccountField, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.byEmail(kind, email)
	if a == nil {
		return domain.ErrAccountNotFound
	}
	s, _ := value.(string)
	switch field {
	case ports.FieldResetCode:
		a.ResetCode = s
	default:
		return errors.New("unknown field")
	}
	return nil
}

func (r *stubAccountRepo) Save(_ context.Context, account *domain.Account) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if len(r.saveErrs) > 0 {
		err := r.saveErrs[0]
		r.saveErrs = r.saveErrs[1:]
		return nil, err
	}
	kind := account.Kind()
	if r.byEmail(kind, account.Email) != nil {
		return nil, domain.ErrAccountExists
	}
	if _, taken := r.accounts[kind][account.PublicID]; taken {
		return nil, domain.ErrPublicIDTaken
	}
	r.accounts[kind][account.PublicID] = cloneAccount(account)
	return cloneAccount(account), nil
}

func (r *stubAccountRepo) UpdateProfile(_ context.Context, kind domain.Kind, id int64, c domain.ProfileChanges) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[kind][id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if c.Email != nil {
		if other := r.byEmail(kind, *c.Email); other != nil && other.PublicID != id {
			return nil, domain.ErrAccountExists
		}
		a.Email = *c.Email
	}
	if c.FirstName != nil {
		a.FirstName = *c.FirstName
	}
	if c.LastName != nil {
		a.LastName = *c.LastName
	}
	if c.PasswordHash != nil {
		a.PasswordHash = *c.PasswordHash
	}
	if c.AffiliationID != nil {
		a.Extra = domain.OperatorExtra{AffiliationID: *c.AffiliationID}
	}
	a.UpdatedAt = time.Now().UTC()
	return cloneAccount(a), nil
}

func (r *stubAccountRepo) ResetPassword(_ context.Context, kind domain.Kind, email, code, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.byEmail(kind, email)
	if a == nil || a.ResetCode == "" || a.ResetCode != code {
		return domain.ErrInvalidResetCode
	}
	a.PasswordHash = hash
	a.ResetCode = ""
	return nil
}

// stored returns a copy of the account with email, or nil.
func (r *stubAccountRepo) stored(kind domain.Kind, email string) *domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAccount(r.byEmail(kind, email))
}

func (r *stubAccountRepo) count(kind domain.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts[kind])
}

type published struct {
	Topic   string
	Payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

// only fails the test unless exactly one message was published, and returns it.
func (p *recordingPublisher) only(t *testing.T) published {
	t.Helper()
	msgs := p.all()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one published message, got %d: %+v", len(msgs), msgs)
	}
	return msgs[0]
}

type sentMail struct {
	To, Subject, Body string
}

type stubMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *stubMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *stubMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type denyAfter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (l *denyAfter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	l.seen[key]++
	return l.seen[key] <= l.limit
}

type fixture struct {
	repo     *stubAccountRepo
	pub      *recordingPublisher
	mailer   *stubMailer
	tokens   *JWTService
	hasher   *BcryptHasher
	topics   domain.Topics
	deps     Deps
	handlers Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newStubAccountRepo(),
		pub:    &recordingPublisher{},
		mailer: &stubMailer{},
		tokens: NewJWTService(testSecret, "Dentistimo-User-Management", time.Hour),
		hasher: NewBcryptHasher(4),
		topics: domain.NewTopics(""),
	}
	f.deps = Deps{
		Accounts:  f.repo,
		Publisher: f.pub,
		Hasher:    f.hasher,
		Tokens:    f.tokens,
		Mailer:    f.mailer,
		IDs:       NewIDGenerator(f.repo, DefaultIDDigits, zerolog.Nop()),
		Topics:    f.topics,
		Log:       zerolog.Nop(),
	}
	f.handlers = NewHandlers(f.deps)
	return f
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decodeReply(t *testing.T, msg published) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		t.Fatalf("reply on %s is not JSON: %v (%s)", msg.Topic, err, msg.Payload)
	}
	return out
}

// handle dispatches payload to the handler of route.
func (f *fixture) handle(t *testing.T, route domain.Route, payload any) error {
	t.Helper()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		body = mustJSON(t, p)
	}
	return f.handlers.For(route.Op).Handle(context.Background(), route, body)
}

// register creates an account through the registration handler and clears
// the recorded replies.
func (f *fixture) register(t *testing.T, kind domain.Kind, email, password string) *domain.Account {
	t.Helper()
	req := map[string]any{
		"firstName":     "Ada",
		"lastName":      "Lovelace",
		"email":         email,
		"password":      password,
		"passwordCheck": password,
		"requestId":     "setup-" + strings.ReplaceAll(email, "@", "-"),
	}
	if kind == domain.KindOperator {
		req["affiliationId"] = "clinic-1"
	}
	if err := f.handle(t, domain.Route{Op: domain.OpRegister, Kind: kind}, req); err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	a := f.repo.stored(kind, email)
	if a == nil {
		t.Fatalf("register %s: account not stored", email)
	}
	f.pub.reset()
	return a
}

func assertErrorReply(t *testing.T, msg published, topic, reason string) {
	t.Helper()
	if msg.Topic != topic {
		t.Fatalf("expected reply on %s, got %s", topic, msg.Topic)
	}
	body := decodeReply(t, msg)
	if body["status"] != "error" || body["error"] != reason {
		t.Fatalf("expected error %q, got %s", reason, msg.Payload)
	}
}
