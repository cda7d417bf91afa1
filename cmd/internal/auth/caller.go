package auth

import (
	"context"
	"strconv"
)

// Role values carried in tokens.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Caller is the authenticated principal of a request or websocket connection.
type Caller struct {
	UserID int64
	Role   string
	Email  string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// String is used as a rate-limit and log key.
func (c Caller) String() string { return strconv.FormatInt(c.UserID, 10) }

type callerKey struct{}

// WithCaller returns ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller stored by Middleware.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.UserID > 0
}
