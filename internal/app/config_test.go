package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SEARCH_CONFIG_FILE", "")
	t.Setenv("SEARCH_TYPEAHEAD_TIMEOUT_MS", "")
	t.Setenv("SEARCH_CACHE_CAPACITY", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TypeaheadTimeout != 3*time.Second || cfg.SubmitTimeout != 10*time.Second || cfg.OwnersTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.Debounce != 300*time.Millisecond || cfg.CacheCapacity != 50 {
		t.Fatalf("unexpected debounce or capacity %+v", cfg)
	}
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.yaml")
	content := []byte("httpAddr: \":9000\"\ncacheCapacity: 20\ntypeaheadTimeout: 1500ms\nattomApiKey: from-file\nsyntheticSeed: 42\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SEARCH_CONFIG_FILE", path)
	t.Setenv("SEARCH_CACHE_CAPACITY", "75")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("ATTOM_API_KEY", "")
	t.Setenv("SEARCH_TYPEAHEAD_TIMEOUT_MS", "")
	t.Setenv("SEARCH_SYNTHETIC_SEED", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.AttomAPIKey != "from-file" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.TypeaheadTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s typeahead timeout, got %s", cfg.TypeaheadTimeout)
	}
	if cfg.CacheCapacity != 75 {
		t.Fatalf("environment must win over the file, got %d", cfg.CacheCapacity)
	}
	if cfg.SyntheticSeed != 42 {
		t.Fatalf("expected seed from file, got %d", cfg.SyntheticSeed)
	}
	if cfg.SubmitTimeout != 10*time.Second {
		t.Fatalf("keys absent from the file keep defaults, got %s", cfg.SubmitTimeout)
	}
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("cacheCapacity: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SEARCH_CONFIG_FILE", path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetEnvDurationIgnoresInvalidValues(t *testing.T) {
	t.Setenv("SEARCH_DEBOUNCE_MS", "soon")
	if got := getEnvDuration("SEARCH_DEBOUNCE_MS", time.Millisecond, time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	t.Setenv("SEARCH_DEBOUNCE_MS", "250")
	if got := getEnvDuration("SEARCH_DEBOUNCE_MS", time.Millisecond, time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
}

func TestLoadConfigAPIRateLimitIsSeparate(t *testing.T) {
	t.Setenv("SEARCH_CONFIG_FILE", "")
	t.Setenv("SEARCH_RATE_LIMIT_RPS", "")
	t.Setenv("SEARCH_API_RATE_LIMIT_RPS", "200")
	t.Setenv("SEARCH_API_RATE_LIMIT_BURST", "400")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RateLimitRPS != 50 || cfg.APIRateLimitRPS != 200 || cfg.APIRateLimitBurst != 400 {
		t.Fatalf("unexpected rate limits %+v", cfg)
	}
}
