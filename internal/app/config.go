package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr  string `yaml:"httpAddr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// SearchAPIBaseURL is where the pipeline reads /api/*; empty means this process.
	SearchAPIBaseURL  string        `yaml:"searchApiBaseUrl"`
	TypeaheadTimeout  time.Duration `yaml:"typeaheadTimeout"`
	SubmitTimeout     time.Duration `yaml:"submitTimeout"`
	OwnersTimeout     time.Duration `yaml:"ownersTimeout"`
	Debounce          time.Duration `yaml:"debounce"`
	CacheCapacity     int           `yaml:"cacheCapacity"`
	SessionIdleTTL    time.Duration `yaml:"sessionIdleTtl"`
	RateLimitRPS      float64       `yaml:"rateLimitRps"`
	RateLimitBurst    int           `yaml:"rateLimitBurst"`
	APIRateLimitRPS   float64       `yaml:"apiRateLimitRps"`
	APIRateLimitBurst int           `yaml:"apiRateLimitBurst"`
	AttomAPIKey       string        `yaml:"attomApiKey"`
	AttomBaseURL      string        `yaml:"attomBaseUrl"`
	ZillowAPIKey      string        `yaml:"zillowApiKey"`
	ZillowBaseURL     string        `yaml:"zillowBaseUrl"`
	ZillowAPIHost     string        `yaml:"zillowApiHost"`
	ProviderTimeout   time.Duration `yaml:"providerTimeout"`
	ProviderRPS       float64       `yaml:"providerRps"`
	RedisURL          string        `yaml:"redisUrl"`
	ProviderCacheTTL  time.Duration `yaml:"providerCacheTtl"`
	OTLPEndpoint      string        `yaml:"otlpEndpoint"`
	TraceSampleRatio  float64       `yaml:"traceSampleRatio"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`

	// SyntheticSeed makes synthesized records reproducible; zero seeds randomly.
	SyntheticSeed uint64 `yaml:"syntheticSeed"`
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:         ":8090",
		LogLevel:         "info",
		LogFormat:        "text",
		TypeaheadTimeout: 3 * time.Second,
		SubmitTimeout:    10 * time.Second,
		OwnersTimeout:    2 * time.Second,
		Debounce:         300 * time.Millisecond,
		CacheCapacity:    50,
		SessionIdleTTL:   30 * time.Minute,
		RateLimitRPS:     50,
		RateLimitBurst:   100,
		ProviderTimeout:  8 * time.Second,
		ProviderRPS:      5,
		ProviderCacheTTL: 30 * time.Minute,
		TraceSampleRatio: 1,
		ShutdownTimeout:  10 * time.Second,
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by SEARCH_CONFIG_FILE, then environment variables. Later sources win.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("SEARCH_CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.SearchAPIBaseURL = getEnv("SEARCH_API_BASE_URL", cfg.SearchAPIBaseURL)
	cfg.TypeaheadTimeout = getEnvDuration("SEARCH_TYPEAHEAD_TIMEOUT_MS", time.Millisecond, cfg.TypeaheadTimeout)
	cfg.SubmitTimeout = getEnvDuration("SEARCH_SUBMIT_TIMEOUT_MS", time.Millisecond, cfg.SubmitTimeout)
	cfg.OwnersTimeout = getEnvDuration("SEARCH_OWNERS_TIMEOUT_MS", time.Millisecond, cfg.OwnersTimeout)
	cfg.Debounce = getEnvDuration("SEARCH_DEBOUNCE_MS", time.Millisecond, cfg.Debounce)
	cfg.CacheCapacity = getEnvInt("SEARCH_CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.SessionIdleTTL = getEnvDuration("SEARCH_SESSION_IDLE_MINUTES", time.Minute, cfg.SessionIdleTTL)
	cfg.RateLimitRPS = getEnvFloat("SEARCH_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("SEARCH_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.APIRateLimitRPS = getEnvFloat("SEARCH_API_RATE_LIMIT_RPS", cfg.APIRateLimitRPS)
	cfg.APIRateLimitBurst = getEnvInt("SEARCH_API_RATE_LIMIT_BURST", cfg.APIRateLimitBurst)
	cfg.AttomAPIKey = getEnv("ATTOM_API_KEY", cfg.AttomAPIKey)
	cfg.AttomBaseURL = getEnv("ATTOM_BASE_URL", cfg.AttomBaseURL)
	cfg.ZillowAPIKey = getEnv("ZILLOW_API_KEY", cfg.ZillowAPIKey)
	cfg.ZillowBaseURL = getEnv("ZILLOW_BASE_URL", cfg.ZillowBaseURL)
	cfg.ZillowAPIHost = getEnv("ZILLOW_API_HOST", cfg.ZillowAPIHost)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT_SECONDS", time.Second, cfg.ProviderTimeout)
	cfg.ProviderRPS = getEnvFloat("PROVIDER_RATE_LIMIT_RPS", cfg.ProviderRPS)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.ProviderCacheTTL = getEnvDuration("PROVIDER_CACHE_TTL_MINUTES", time.Minute, cfg.ProviderCacheTTL)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.TraceSampleRatio = getEnvFloat("OTEL_TRACES_SAMPLER_ARG", cfg.TraceSampleRatio)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT_SECONDS", time.Second, cfg.ShutdownTimeout)
	if raw := strings.TrimSpace(os.Getenv("SEARCH_SYNTHETIC_SEED")); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse SEARCH_SYNTHETIC_SEED: %w", err)
		}
		cfg.SyntheticSeed = seed
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration reads a positive integer count of unit.
func getEnvDuration(key string, unit time.Duration, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * unit
}
