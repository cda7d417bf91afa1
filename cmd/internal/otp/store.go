package otp

import (
	"context"
	"time"
)

// Purpose scopes a code to one flow.
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposePasswordReset Purpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeRegistration || p == PurposePasswordReset
}

// Record is a stored code. The plain code is never persisted.
type Record struct {
	ID        int64
	Email     string
	Purpose   Purpose
	CodeHash  string
	CreatedAt time.Time
}

// CreateRecord is a normalized insert payload.
type CreateRecord struct {
	Email     string
	Purpose   Purpose
	CodeHash  string
	CreatedAt time.Time
}

// Store is the persistence boundary for one-time codes.
type Store interface {
	Create(ctx context.Context, in CreateRecord) (Record, error)
	// FindLatest returns the newest record matching (email, purpose, codeHash) created at or
	// after notBefore. Missing -> ErrNotFound.
	FindLatest(ctx context.Context, email string, purpose Purpose, codeHash string, notBefore time.Time) (Record, error)
	Delete(ctx context.Context, email string, purpose Purpose, id int64) error
	DeleteAll(ctx context.Context, email string, purpose Purpose) (int64, error)
}
