package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum HS256 secret size.
const MinSecretBytes = 32

// Claims is the access-token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// Verifier validates access tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// VerifierOption configures a Verifier.
type VerifierOption func(*[]jwt.ParserOption)

// WithLeeway tolerates clock skew on exp/nbf/iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(opts *[]jwt.ParserOption) { *opts = append(*opts, jwt.WithLeeway(d)) }
}

// WithTimeFunc overrides the clock used for expiry checks.
func WithTimeFunc(now func() time.Time) VerifierOption {
	return func(opts *[]jwt.ParserOption) { *opts = append(*opts, jwt.WithTimeFunc(now)) }
}

// NewVerifier returns a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, o := range opts {
		if o != nil {
			o(&popts)
		}
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(popts...)}, nil
}

// Verify parses raw and returns its caller.
func (v *Verifier) Verify(raw string) (Caller, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Caller{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.UserID
	if id <= 0 && claims.Subject != "" {
		id, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if id <= 0 {
		return Caller{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = RoleUser
	}
	return Caller{UserID: id, Role: role, Email: claims.Email}, nil
}

// Issuer mints tokens. Production issuance lives in the account service.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer for tokens valid for ttl.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for c.
func (i *Issuer) Issue(c Caller) (string, error) {
	if c.UserID <= 0 {
		return "", errors.New("auth: user id is required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(c.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		UserID: c.UserID,
		Role:   c.Role,
		Email:  c.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func checkSecret(secret string) error {
	switch {
	case strings.TrimSpace(secret) == "":
		return ErrSecretMissing
	case len(secret) < MinSecretBytes:
		return ErrSecretShort
	}
	return nil
}
