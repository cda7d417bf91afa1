// Package app wires the Pawfect server runtime: config, logging, storage, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"pawfect/cmd/identity"
	"pawfect/cmd/internal/auth"
	authapi "pawfect/cmd/internal/auth/api"
	"pawfect/cmd/internal/conversation"
	"pawfect/cmd/internal/mail"
	"pawfect/cmd/internal/moderation"
	"pawfect/cmd/internal/otp"
	"pawfect/cmd/internal/realtime"
	"pawfect/cmd/security/password"
)

// App is the server runtime: it owns the HTTP server and every long-lived dependency.
type App struct {
	cfg Config
	log Logger

	db      *Database
	handler http.Handler

	background []func(ctx context.Context)
	closers    []func()
}

// New constructs a fully wired App. It blocks while the database (if configured) is unreachable.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	passwords, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, auth.WithLeeway(cfg.JWTLeeway))
	if err != nil {
		return nil, err
	}

	var (
		users identity.Directory
		convs conversation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := ConnectDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		a.background = append(a.background, db.Supervise)

		if users, err = identity.NewPostgresStore(db.Pool(), identity.WithSchema(cfg.DBSchema)); err != nil {
			return nil, err
		}
		if convs, err = conversation.NewPostgresStore(db.Pool(), conversation.WithSchema(cfg.DBSchema)); err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	} else {
		users = identity.NewMemoryStore()
		convs = conversation.NewMemoryStore()
		log.Info("db.disabled.inmemory_store")
	}

	codes, err := a.newOTPStore(ctx)
	if err != nil {
		return nil, err
	}
	otpSvc, err := otp.NewService(codes, hasher, otp.WithTTL(cfg.OTPTTL))
	if err != nil {
		return nil, err
	}

	mailer, err := a.newMailer()
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	if cfg.NATSURL != "" {
		if err := a.attachNATS(hub); err != nil {
			return nil, err
		}
	}

	convOpts := []conversation.Option{
		conversation.WithBroadcaster(hub),
		conversation.WithLogger(log),
	}
	var moderator moderation.Moderator = moderation.Noop{}
	if cfg.OpenAIAPIKey != "" {
		m, err := moderation.NewOpenAIModerator(moderation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.ModerationModel,
		})
		if err != nil {
			return nil, err
		}
		moderator = m
		log.Info("moderation.enabled", "fail_open", cfg.ModerationFailOpen)
	}
	convOpts = append(convOpts, conversation.WithScreener(moderation.Gate{
		Moderator: moderator,
		FailOpen:  cfg.ModerationFailOpen,
		Log:       log,
	}))
	convSvc, err := conversation.NewService(convs, convOpts...)
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, verifier, convSvc, cfg.WS)
	if err != nil {
		return nil, err
	}

	usersAPI, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), otpSvc, users,
		authapi.WithMailer(mailer),
		authapi.WithPasswordConfig(passwords),
	)
	if err != nil {
		return nil, err
	}

	a.handler = newRouter(routes{
		log:      log,
		cfg:      cfg,
		db:       a.db,
		verifier: verifier,
		ws:       ws,
		conversations: conversation.NewHandler(convSvc, log,
			conversation.WithSendRateLimit(cfg.SendRateLimit, cfg.SendRateWindow),
		),
		users: usersAPI,
	})
	return a, nil
}

func (a *App) newOTPStore(ctx context.Context) (otp.Store, error) {
	switch a.cfg.OTPStore {
	case OTPStorePostgres:
		if a.db == nil {
			return nil, errors.New("otp: postgres store requires a database")
		}
		return otp.NewPostgresStore(a.db.Pool(), otp.WithSchema(a.cfg.DBSchema))
	case OTPStoreRedis:
		client, err := otp.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return otp.NewRedisStore(client, a.cfg.OTPTTL)
	default:
		a.log.Warn("otp.store.memory", "note", "codes are lost on restart")
		return otp.NewMemoryStore(), nil
	}
}

func (a *App) newMailer() (mail.Sender, error) {
	var base mail.Sender = mail.LogSender{Log: a.log}
	if a.cfg.SMTP.Enabled() {
		s, err := mail.NewSMTPSender(a.cfg.SMTP)
		if err != nil {
			return nil, err
		}
		base = s
		a.log.Info("mail.smtp.enabled", "host", a.cfg.SMTP.Host, "port", a.cfg.SMTP.Port)
	} else {
		a.log.Warn("mail.smtp.disabled", "note", "emails are logged, not sent")
	}

	if !a.cfg.MailAsync {
		return base, nil
	}

	q, err := mail.NewQueueSender(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = q.Close() })

	w, err := mail.NewWorker(a.cfg.RedisURL, base, a.log)
	if err != nil {
		return nil, err
	}
	a.background = append(a.background, func(ctx context.Context) {
		if err := w.Run(ctx); err != nil {
			a.log.Error("mail.worker.fail", "err", err)
		}
	})
	a.log.Info("mail.async.enabled")
	return q, nil
}

func (a *App) attachNATS(hub *realtime.Hub) error {
	nc, err := realtime.ConnectNATS(a.cfg.NATSURL, a.log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, nc.Close)

	instance := realtime.NewID(time.Now())
	bridge, err := realtime.NewNATSBridge(nc, hub, instance, a.log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = bridge.Close() })
	a.log.Info("realtime.nats.enabled", "instance", instance)
	return nil
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and background workers and blocks until ctx ends or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, fn := range a.background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
		}()
	}
	defer func() {
		stopBackground()
		wg.Wait()
		a.close()
	}()

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.db != nil,
		"otp_store", a.cfg.OTPStore,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close runs closers in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
