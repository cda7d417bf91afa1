package auth

import "errors"

var (
	ErrMissingToken  = errors.New("auth: missing bearer token")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrSecretMissing = errors.New("auth: jwt secret is required")
	ErrSecretShort   = errors.New("auth: jwt secret must be at least 32 bytes")
)
