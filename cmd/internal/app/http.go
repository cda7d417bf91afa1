package app

import (
	"net/http"

	"pawfect/cmd/internal/auth"
	authapi "pawfect/cmd/internal/auth/api"
	"pawfect/cmd/internal/conversation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes are the HTTP surfaces the router mounts.
type routes struct {
	log      Logger
	cfg      Config
	db       *Database
	verifier *auth.Verifier

	ws            http.Handler
	conversations *conversation.Handler
	users         *authapi.Handler
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(WithRequestID)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(CORS(rt.cfg.FrontendOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", rt.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	if rt.ws != nil {
		r.Get("/ws", rt.ws.ServeHTTP)
	}
	if rt.conversations != nil {
		r.With(auth.Middleware(rt.verifier, rt.log)).Mount("/conversations", rt.conversations.Routes())
	}
	if rt.users != nil {
		r.Mount("/users", rt.users.Routes())
	}
	return r
}

func (rt routes) handleReady(w http.ResponseWriter, _ *http.Request) {
	if rt.db == nil {
		if rt.cfg.ReadinessRequireDB {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
	} else if !rt.db.Ready() {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
