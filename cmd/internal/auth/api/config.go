package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"

	"pawfect/cmd/internal/httpx"
)

// Config controls OTP endpoint limits.
type Config struct {
	MaxBodyBytes int64

	// Requests per client IP per window, across all OTP endpoints.
	IPMax    int
	IPWindow time.Duration

	// Name used in emails when the request does not carry one.
	DefaultName string
}

// LoadConfigFromEnv loads auth API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		MaxBodyBytes: envInt64("PAWFECT_AUTH_MAX_BODY_BYTES", httpx.DefaultMaxBodyBytes),
		IPMax:        envInt("PAWFECT_AUTH_IP_MAX", 10),
		IPWindow:     envDuration("PAWFECT_AUTH_IP_WINDOW", time.Minute),
		DefaultName:  "PawfectCare User",
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = httpx.DefaultMaxBodyBytes
	}
	if c.IPWindow <= 0 {
		c.IPWindow = time.Minute
	}
	if strings.TrimSpace(c.DefaultName) == "" {
		c.DefaultName = "PawfectCare User"
	}
	return c
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
