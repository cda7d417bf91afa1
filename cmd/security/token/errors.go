package token

import "errors"

// Errors returned by HasherFromEnv. The server maps them to startup failures.
var (
	ErrHMACKeyMissing  = errors.New("token: PAWFECT_TOKEN_HMAC_KEY is not set")
	ErrHMACKeyTooShort = errors.New("token: PAWFECT_TOKEN_HMAC_KEY is shorter than 32 bytes")
)
