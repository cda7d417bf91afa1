package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"pawfect/cmd/identity"
	"pawfect/cmd/security/token"
)

// DefaultTTL is the validity window of a code.
const DefaultTTL = 120 * time.Second

const (
	codeMin   = 100000
	codeRange = 900000
)

// Issued is returned by Issue. Code is the plain value to deliver; it is not stored.
type Issued struct {
	ID        int64
	Code      string
	ExpiresAt time.Time
}

// Service issues and verifies one-time codes.
type Service struct {
	store  Store
	hasher token.Hasher
	ttl    time.Duration
	now    func() time.Time
	rand   io.Reader
}

// Option configures the Service.
type Option func(*Service) error

// WithTTL overrides the validity window.
func WithTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.ttl = d
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// WithRandom overrides the entropy source used for codes.
func WithRandom(r io.Reader) Option {
	return func(s *Service) error {
		if r == nil {
			return ErrInvalidInput
		}
		s.rand = r
		return nil
	}
}

// NewService constructs a Service with a 120s window.
func NewService(store Store, hasher token.Hasher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  store,
		hasher: hasher,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the validity window.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue generates and persists a new code for (email, purpose).
func (s *Service) Issue(ctx context.Context, email string, purpose Purpose) (Issued, error) {
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	email, err := normalize(email, purpose)
	if err != nil {
		return Issued{}, err
	}

	code, err := s.newCode()
	if err != nil {
		return Issued{}, err
	}

	now := s.now()
	rec, err := s.store.Create(ctx, CreateRecord{
		Email:     email,
		Purpose:   purpose,
		CodeHash:  s.digest(email, purpose, code),
		CreatedAt: now,
	})
	if err != nil {
		return Issued{}, err
	}

	issuedTotal.WithLabelValues(string(purpose)).Inc()
	return Issued{ID: rec.ID, Code: code, ExpiresAt: rec.CreatedAt.Add(s.ttl)}, nil
}

// Verify checks code against the newest live record and consumes it. Registration codes are
// deleted by id; a password reset clears every code for the email.
func (s *Service) Verify(ctx context.Context, email string, purpose Purpose, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email, err := normalize(email, purpose)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if !wellFormed(code) {
		verifyTotal.WithLabelValues("invalid").Inc()
		return ErrInvalidCode
	}

	rec, err := s.store.FindLatest(ctx, email, purpose, s.digest(email, purpose, code), s.now().Add(-s.ttl))
	if errors.Is(err, ErrNotFound) {
		verifyTotal.WithLabelValues("invalid").Inc()
		return ErrInvalidCode
	}
	if err != nil {
		return err
	}

	// A concurrent verify may consume the code between the lookup and the delete.
	switch purpose {
	case PurposePasswordReset:
		var n int64
		if n, err = s.store.DeleteAll(ctx, email, purpose); err == nil && n == 0 {
			err = ErrNotFound
		}
	default:
		err = s.store.Delete(ctx, email, purpose, rec.ID)
	}
	if errors.Is(err, ErrNotFound) {
		verifyTotal.WithLabelValues("invalid").Inc()
		return ErrInvalidCode
	}
	if err != nil {
		return err
	}

	verifyTotal.WithLabelValues("ok").Inc()
	return nil
}

// Discard removes an issued code, e.g. after its delivery failed.
func (s *Service) Discard(ctx context.Context, email string, purpose Purpose, issued Issued) error {
	email, err := normalize(email, purpose)
	if err != nil {
		return err
	}
	if issued.ID <= 0 {
		return ErrInvalidInput
	}
	err = s.store.Delete(ctx, email, purpose, issued.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) newCode() (string, error) {
	n, err := rand.Int(s.rand, big.NewInt(codeRange))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

// digest binds the code to its email and purpose so equal codes never collide across users.
func (s *Service) digest(email string, purpose Purpose, code string) string {
	return s.hasher.Hex(string(purpose) + "\x00" + email + "\x00" + code)
}

func normalize(email string, purpose Purpose) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidInput
	}
	email = identity.NormalizeEmail(email)
	if !identity.ValidEmail(email) {
		return "", ErrInvalidInput
	}
	return email, nil
}

func wellFormed(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return code[0] != '0'
}
