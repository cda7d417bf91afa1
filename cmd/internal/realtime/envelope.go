package realtime

import (
	"crypto/rand"
	"encoding/json"
	"strings"
	"time"

	v1 "pawfect/contracts/realtime/v1"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lower-case ULID used for client ids, envelope ids and the instance id.
func NewID(now time.Time) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}

// NewEnvelope wraps payload in a server envelope.
func NewEnvelope(event string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	env := v1.Envelope{V: v1.Version, Type: event, ID: NewID(now), TS: now}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env.Payload = b
	return env, nil
}
