package conversation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Handler serves the conversation endpoints. Routes expects auth.Middleware upstream.
type Handler struct {
	svc *Service
	log *slog.Logger

	maxBodyBytes int64
	sendLimit    int
	sendWindow   time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSendRateLimit caps message posts per caller per window. n <= 0 disables the limit.
func WithSendRateLimit(n int, window time.Duration) HandlerOption {
	return func(h *Handler) {
		h.sendLimit = n
		if window > 0 {
			h.sendWindow = window
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, log *slog.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		svc:          svc,
		log:          log,
		maxBodyBytes: httpx.DefaultMaxBodyBytes,
		sendLimit:    30,
		sendWindow:   time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes returns the router to mount at /conversations.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(auth.RequireRole(auth.RoleAdmin)).Get("/", h.handleList)
	r.Get("/me", h.handleMine)
	r.Route("/{conversationId}", func(r chi.Router) {
		r.Get("/messages", h.handleMessages)
		if h.sendLimit > 0 {
			r.With(h.sendLimiter()).Post("/messages", h.handleSend)
		} else {
			r.Post("/messages", h.handleSend)
		}
		r.Post("/read", h.handleRead)
	})
	return r
}

func (h *Handler) sendLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(
		h.sendLimit,
		h.sendWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if c, ok := auth.FromContext(r.Context()); ok {
				return "user:" + c.String(), nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		}),
	)
}

type sendRequest struct {
	Content string `json:"content"`
}

type markReadResponse struct {
	Success      bool  `json:"success"`
	AffectedRows int64 `json:"affectedRows"`
}

type partialMessageResponse struct {
	MessageID int64 `json:"message_id"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	list, err := h.svc.ListAll(r.Context(), caller)
	if err != nil {
		h.writeServiceError(r.Context(), w, "conversation.list.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleMine(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	c, created, err := h.svc.GetOrCreate(r.Context(), caller)
	if err != nil {
		h.writeServiceError(r.Context(), w, "conversation.mine.fail", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, c)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationIDParam(w, r)
	if !ok {
		return
	}
	caller, _ := auth.FromContext(r.Context())
	msgs, err := h.svc.Messages(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(r.Context(), w, "conversation.messages.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationIDParam(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := httpx.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	p, err := h.svc.Send(r.Context(), caller, id, req.Content)
	if err != nil {
		h.writeServiceError(r.Context(), w, "conversation.send.fail", err)
		return
	}
	if p.Partial {
		httpx.WriteJSON(w, http.StatusCreated, partialMessageResponse{MessageID: p.Message.ID})
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p.Message)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationIDParam(w, r)
	if !ok {
		return
	}
	caller, _ := auth.FromContext(r.Context())
	n, err := h.svc.MarkRead(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(r.Context(), w, "conversation.read.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, markReadResponse{Success: true, AffectedRows: n})
}

func conversationIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationId"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", inputReason(err))
	case errors.Is(err, ErrRejected):
		httpx.WriteError(w, http.StatusBadRequest, "content_rejected", "message was rejected by moderation")
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "access to this conversation is not allowed")
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		h.log.ErrorContext(ctx, event, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
