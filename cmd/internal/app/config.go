package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/mail"
	"pawfect/cmd/internal/realtime"
)

// OTP store backends.
const (
	OTPStorePostgres = "postgres"
	OTPStoreRedis    = "redis"
	OTPStoreMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL     string
	DBSchema        string
	DBMaxConns      int32
	DBMinConns      int32
	DBRetryInterval time.Duration
	DBAutoMigrate   bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	JWTSecret string
	JWTLeeway time.Duration

	FrontendOrigins []string

	RedisURL string
	OTPStore string
	OTPTTL   time.Duration

	// If true, PAWFECT_TOKEN_HMAC_KEY must be set (>= 32 bytes) and OTP digests are keyed.
	RequireTokenHMAC bool

	NATSURL string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ModerationModel    string
	ModerationFailOpen bool

	SMTP      mail.SMTPConfig
	MailAsync bool

	SendRateLimit  int
	SendRateWindow time.Duration

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  EnvString("PAWFECT_HTTP_ADDR", "0.0.0.0:5000"),
		LogLevel:  EnvString("PAWFECT_LOG_LEVEL", "info"),
		LogFormat: EnvString("PAWFECT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PAWFECT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PAWFECT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PAWFECT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PAWFECT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PAWFECT_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("PAWFECT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:     EnvString("PAWFECT_DATABASE_URL", ""),
		DBSchema:        EnvString("PAWFECT_DB_SCHEMA", "public"),
		DBMaxConns:      EnvInt32("PAWFECT_DB_MAX_CONNS", 10),
		DBMinConns:      EnvInt32("PAWFECT_DB_MIN_CONNS", 0),
		DBRetryInterval: EnvDuration("PAWFECT_DB_RETRY_INTERVAL", 2*time.Second),
		DBAutoMigrate:   EnvBool("PAWFECT_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("PAWFECT_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("PAWFECT_JWT_SECRET", ""),
		JWTLeeway: EnvDuration("PAWFECT_JWT_LEEWAY", 30*time.Second),

		FrontendOrigins: EnvCSV("PAWFECT_FRONTEND_ORIGINS", "http://localhost:3000,http://localhost:5173"),

		RedisURL: EnvString("PAWFECT_REDIS_URL", ""),
		OTPStore: strings.ToLower(EnvString("PAWFECT_OTP_STORE", "")),
		OTPTTL:   EnvDuration("PAWFECT_OTP_TTL", 120*time.Second),

		RequireTokenHMAC: EnvBool("PAWFECT_REQUIRE_TOKEN_HMAC", false),

		NATSURL: EnvString("PAWFECT_NATS_URL", ""),

		OpenAIAPIKey:       EnvString("PAWFECT_OPENAI_API_KEY", ""),
		OpenAIBaseURL:      EnvString("PAWFECT_OPENAI_BASE_URL", ""),
		ModerationModel:    EnvString("PAWFECT_MODERATION_MODEL", ""),
		ModerationFailOpen: EnvBool("PAWFECT_MODERATION_FAIL_OPEN", false),

		SMTP: mail.SMTPConfig{
			Host:     EnvString("PAWFECT_SMTP_HOST", ""),
			Port:     EnvInt("PAWFECT_SMTP_PORT", 587),
			Username: EnvString("PAWFECT_SMTP_USERNAME", ""),
			Password: EnvString("PAWFECT_SMTP_PASSWORD", ""),
			From:     EnvString("PAWFECT_SMTP_FROM", ""),
		},
		MailAsync: EnvBool("PAWFECT_MAIL_ASYNC", false),

		SendRateLimit:  EnvInt("PAWFECT_SEND_RATE_LIMIT", 30),
		SendRateWindow: EnvDuration("PAWFECT_SEND_RATE_WINDOW", time.Minute),
	}
	cfg.WS = realtime.GatewayConfigFromEnv(cfg.FrontendOrigins)

	if cfg.OTPStore == "" {
		cfg.OTPStore = defaultOTPStore(cfg)
	}
	return cfg
}

func defaultOTPStore(cfg Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return OTPStorePostgres
	case cfg.RedisURL != "":
		return OTPStoreRedis
	default:
		return OTPStoreMemory
	}
}

// Validate fails fast on configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch {
	case strings.TrimSpace(c.JWTSecret) == "":
		errs = append(errs, errors.New("PAWFECT_JWT_SECRET is required"))
	case len(c.JWTSecret) < auth.MinSecretBytes:
		errs = append(errs, fmt.Errorf("PAWFECT_JWT_SECRET must be at least %d bytes", auth.MinSecretBytes))
	}

	switch c.OTPStore {
	case OTPStorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("PAWFECT_OTP_STORE=postgres requires PAWFECT_DATABASE_URL"))
		}
	case OTPStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("PAWFECT_OTP_STORE=redis requires PAWFECT_REDIS_URL"))
		}
	case OTPStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("PAWFECT_OTP_STORE: unknown backend %q", c.OTPStore))
	}

	if c.MailAsync && c.RedisURL == "" {
		errs = append(errs, errors.New("PAWFECT_MAIL_ASYNC=true requires PAWFECT_REDIS_URL"))
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		errs = append(errs, errors.New("PAWFECT_DB_MIN_CONNS exceeds PAWFECT_DB_MAX_CONNS"))
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("PAWFECT_LOG_FORMAT: want json or text, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
