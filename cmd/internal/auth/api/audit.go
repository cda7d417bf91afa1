package authapi

import (
	"context"
	"log/slog"
	"net/http"
)

// audit records security-relevant OTP events as structured log lines.
func (h *Handler) audit(ctx context.Context, r *http.Request, action, email string, attrs ...any) {
	base := []any{
		"action", action,
		"email", maskEmail(email),
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
	}
	h.log.Log(ctx, slog.LevelInfo, "auth.audit", append(base, attrs...)...)
}
