package authapi

import (
	"net/http"
	"strconv"

	"pawfect/cmd/internal/httpx"

	"github.com/go-chi/httprate"
)

// ipLimiter throttles OTP traffic per client address. It relies on chi's RealIP upstream
// when the service sits behind a proxy.
func (h *Handler) ipLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(
		h.cfg.IPMax,
		h.cfg.IPWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeRateLimited(w, int64(h.cfg.IPWindow.Seconds()))
		}),
	)
}

func writeRateLimited(w http.ResponseWriter, retryAfterSeconds int64) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
