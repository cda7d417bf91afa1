package conversation

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	// ErrRejected marks content refused by moderation.
	ErrRejected = errors.New("content rejected")
)

// InputError is an ErrInvalidInput with a reason safe to show to clients.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return ErrInvalidInput.Error() + ": " + e.Reason }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// inputReason returns the client-facing reason carried by err, or a generic one.
func inputReason(err error) string {
	var ie *InputError
	if errors.As(err, &ie) && ie.Reason != "" {
		return ie.Reason
	}
	return "invalid request"
}
