package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PAWFECT_AUTH_IP_MAX", "3")
	t.Setenv("PAWFECT_AUTH_IP_WINDOW", "30s")
	t.Setenv("PAWFECT_AUTH_MAX_BODY_BYTES", "nope")

	cfg := LoadConfigFromEnv()
	if cfg.IPMax != 3 {
		t.Fatalf("IPMax=%d want=3", cfg.IPMax)
	}
	if cfg.IPWindow != 30*time.Second {
		t.Fatalf("IPWindow=%s want=30s", cfg.IPWindow)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes=%d want=%d", cfg.MaxBodyBytes, 1<<20)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.MaxBodyBytes <= 0 || cfg.IPWindow != time.Minute || cfg.DefaultName == "" {
		t.Fatalf("withDefaults()=%+v", cfg)
	}
	if cfg.IPMax != 0 {
		t.Fatalf("IPMax=%d want=0 (disabled)", cfg.IPMax)
	}
}
