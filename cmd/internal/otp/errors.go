package otp

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("otp not found")
	// ErrInvalidCode covers wrong, expired and already consumed codes alike.
	ErrInvalidCode = errors.New("invalid or expired code")
)
