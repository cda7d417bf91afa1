package authapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pawfect/cmd/identity"
	"pawfect/cmd/internal/httpx"
	"pawfect/cmd/internal/mail"
	"pawfect/cmd/internal/otp"
	"pawfect/cmd/security/password"

	"github.com/go-chi/chi/v5"
)

// Handler serves the one-time-code endpoints under /users.
type Handler struct {
	log *slog.Logger
	cfg Config

	codes     *otp.Service
	users     identity.Directory
	mailer    mail.Sender
	passwords password.Config
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithMailer overrides the default no-op mail sender.
func WithMailer(sender mail.Sender) HandlerOption {
	return func(h *Handler) {
		if sender != nil {
			h.mailer = sender
		}
	}
}

// WithPasswordConfig overrides the password hashing and policy settings.
func WithPasswordConfig(cfg password.Config) HandlerOption {
	return func(h *Handler) { h.passwords = cfg }
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, codes *otp.Service, users identity.Directory, opts ...HandlerOption) (*Handler, error) {
	if codes == nil {
		return nil, errors.New("authapi: nil otp service")
	}
	if users == nil {
		return nil, errors.New("authapi: nil user directory")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:       log,
		cfg:       cfg.withDefaults(),
		codes:     codes,
		users:     users,
		mailer:    mail.NoopSender{},
		passwords: password.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the router to mount at /users.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.cfg.IPMax > 0 {
		r.Use(h.ipLimiter())
	}

	r.Post("/otp/send-registration-otp", h.handleSendRegistration)
	r.Post("/otp/verify-registration-otp", h.handleVerifyRegistration)
	r.Post("/forgot-password", h.handleForgotPassword)
	r.Post("/verify-forgot-otp-reset", h.handleResetPassword)
	return r
}

func (h *Handler) forgotMessage() string {
	return fmt.Sprintf("If the email is registered, a code is on its way (valid %ds).", int64(h.codes.TTL().Seconds()))
}

// ---- handlers ----

func (h *Handler) handleSendRegistration(w http.ResponseWriter, r *http.Request) {
	var req sendRegistrationRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	email, ok := h.checkEmail(w, req.Email)
	if !ok {
		return
	}

	name := strings.TrimSpace(req.UserName)
	if name == "" {
		name = h.cfg.DefaultName
	}

	if !h.issueAndSend(w, r, email, name, otp.PurposeRegistration) {
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, otpSentResponse{
		Message:          "OTP generated and email sent",
		ExpiresInSeconds: int64(h.codes.TTL().Seconds()),
	})
}

func (h *Handler) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email and code are required")
		return
	}

	err := h.codes.Verify(r.Context(), req.Email, otp.PurposeRegistration, req.Code)
	if err != nil {
		h.audit(r.Context(), r, "otp.registration.verify_failed", req.Email)
		h.writeVerifyError(w, err)
		return
	}

	h.audit(r.Context(), r, "otp.registration.verified", req.Email)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Message: "OTP verified"})
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	email, ok := h.checkEmail(w, req.Email)
	if !ok {
		return
	}

	u, err := h.users.GetByEmail(r.Context(), email)
	switch {
	case identity.IsNotFound(err):
		h.audit(r.Context(), r, "otp.reset.unknown_email", email)
		httpx.WriteJSON(w, http.StatusOK, messageResponse{Message: h.forgotMessage()})
		return
	case err != nil:
		h.log.Error("auth.forgot.lookup_failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = "User"
	}

	// The response must not depend on whether delivery worked.
	_ = h.issue(r, email, name, otp.PurposePasswordReset)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Message: h.forgotMessage()})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.Code) == "" || req.NewPassword == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email, code and newPassword are required")
		return
	}
	if err := h.passwords.Validate(req.NewPassword); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "weak_password", passwordMessage(h.passwords, err))
		return
	}

	u, err := h.users.GetByEmail(r.Context(), email)
	switch {
	case identity.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "email not registered")
		return
	case identity.IsInvalidInput(err):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid email address")
		return
	case err != nil:
		h.log.Error("auth.reset.lookup_failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if err := h.codes.Verify(r.Context(), email, otp.PurposePasswordReset, req.Code); err != nil {
		h.audit(r.Context(), r, "otp.reset.verify_failed", email)
		h.writeVerifyError(w, err)
		return
	}

	hash, err := h.passwords.Hash(req.NewPassword)
	if err != nil {
		h.log.Error("auth.reset.hash_failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.users.UpdatePasswordHash(r.Context(), u.ID, hash); err != nil {
		if identity.IsNotFound(err) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "email not registered")
			return
		}
		h.log.Error("auth.reset.update_failed", "user_id", u.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(r.Context(), r, "otp.reset.completed", email, "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusOK, resetResponse{
		Success: true,
		Message: "Password reset successful. You can log in now.",
	})
}

// ---- helpers ----

func (h *Handler) checkEmail(w http.ResponseWriter, raw string) (string, bool) {
	email := identity.NormalizeEmail(raw)
	if email == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return "", false
	}
	if !identity.ValidEmail(email) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid email address")
		return "", false
	}
	return email, true
}

// issueAndSend issues a code and mails it, writing the error response itself on failure.
func (h *Handler) issueAndSend(w http.ResponseWriter, r *http.Request, email, name string, purpose otp.Purpose) bool {
	err := h.issue(r, email, name, purpose)
	switch {
	case err == nil:
		return true
	case errors.Is(err, otp.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid email address")
	case errors.Is(err, errDelivery):
		httpx.WriteError(w, http.StatusInternalServerError, "delivery_failed", "failed to send OTP email")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
	return false
}

var errDelivery = errors.New("otp delivery failed")

// issue creates a code and delivers it. A code that could not be delivered is discarded.
func (h *Handler) issue(r *http.Request, email, name string, purpose otp.Purpose) error {
	ctx := r.Context()

	issued, err := h.codes.Issue(ctx, email, purpose)
	if err != nil {
		if !errors.Is(err, otp.ErrInvalidInput) {
			h.log.Error("auth.otp.issue_failed", "purpose", purpose, "err", err)
		}
		return err
	}

	kind := mail.OTPRegistration
	if purpose == otp.PurposePasswordReset {
		kind = mail.OTPPasswordReset
	}
	msg, err := mail.OTPEmail(mail.OTPData{
		To:       email,
		Name:     name,
		Code:     issued.Code,
		Validity: h.codes.TTL(),
		Kind:     kind,
	})
	if err == nil {
		err = h.mailer.Send(ctx, msg)
	}
	if err != nil {
		h.log.Error("auth.otp.delivery_failed", "purpose", purpose, "email", maskEmail(email), "err", err)
		h.discard(ctx, email, purpose, issued)
		return fmt.Errorf("%w: %v", errDelivery, err)
	}

	h.audit(ctx, r, "otp."+string(purpose)+".sent", email)
	return nil
}

func (h *Handler) discard(ctx context.Context, email string, purpose otp.Purpose, issued otp.Issued) {
	// The request may already be cancelled; cleanup still has to run.
	if err := h.codes.Discard(context.WithoutCancel(ctx), email, purpose, issued); err != nil {
		h.log.Warn("auth.otp.discard_failed", "purpose", purpose, "err", err)
	}
}

func (h *Handler) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, otp.ErrInvalidCode):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_code", "invalid or expired OTP, request a new code")
	case errors.Is(err, otp.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid email address")
	default:
		h.log.Error("auth.otp.verify_failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func passwordMessage(cfg password.Config, err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return fmt.Sprintf("password must be at least %d characters", cfg.Policy.MinLength)
	case errors.Is(err, password.ErrPasswordTooLong):
		return fmt.Sprintf("password must be at most %d characters", cfg.Policy.MaxLength)
	default:
		return "password must not be blank"
	}
}
