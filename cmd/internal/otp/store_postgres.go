package otp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists codes in the otp_codes table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by the store (default: "public").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Record, error) {
	if in.Email == "" || in.CodeHash == "" || !in.Purpose.Valid() {
		return Record{}, ErrInvalidInput
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	rec := Record{Email: in.Email, Purpose: in.Purpose, CodeHash: in.CodeHash}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "otp_codes")+` (email, purpose, code_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		in.Email, string(in.Purpose), in.CodeHash, in.CreatedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("otp: insert: %w", err)
	}
	return rec, nil
}

// FindLatest implements Store.
func (s *PostgresStore) FindLatest(ctx context.Context, email string, purpose Purpose, codeHash string, notBefore time.Time) (Record, error) {
	var (
		rec Record
		p   string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, purpose, code_hash, created_at
		   FROM `+pgIdent(s.schema, "otp_codes")+`
		  WHERE email = $1 AND purpose = $2 AND code_hash = $3 AND created_at >= $4
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		email, string(purpose), codeHash, notBefore,
	).Scan(&rec.ID, &rec.Email, &p, &rec.CodeHash, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("otp: select: %w", err)
	}
	rec.Purpose = Purpose(p)
	return rec, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, email string, purpose Purpose, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "otp_codes")+` WHERE id = $1 AND email = $2 AND purpose = $3`,
		id, email, string(purpose),
	)
	if err != nil {
		return fmt.Errorf("otp: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll implements Store.
func (s *PostgresStore) DeleteAll(ctx context.Context, email string, purpose Purpose) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "otp_codes")+` WHERE email = $1 AND purpose = $2`,
		email, string(purpose),
	)
	if err != nil {
		return 0, fmt.Errorf("otp: delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
