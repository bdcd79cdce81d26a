package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	apihttp "proptrust/searchservice/internal/api/http"
	"proptrust/searchservice/internal/app"
	"proptrust/searchservice/internal/events"
	"proptrust/searchservice/internal/gateway"
	"proptrust/searchservice/internal/metrics"
	"proptrust/searchservice/internal/providers/attom"
	"proptrust/searchservice/internal/providers/common"
	"proptrust/searchservice/internal/providers/zillow"
	"proptrust/searchservice/internal/search"
	"proptrust/searchservice/internal/sources"
	"proptrust/searchservice/internal/synth"
	"proptrust/searchservice/internal/telemetry"
)

const serviceName = "property-search"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	apiBaseURL := resolveAPIBaseURL(cfg.SearchAPIBaseURL, cfg.HTTPAddr)
	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("apiBaseURL", apiBaseURL),
		slog.Duration("typeaheadTimeout", cfg.TypeaheadTimeout),
		slog.Duration("submitTimeout", cfg.SubmitTimeout),
		slog.Duration("ownersTimeout", cfg.OwnersTimeout),
		slog.Duration("debounce", cfg.Debounce),
		slog.Int("cacheCapacity", cfg.CacheCapacity),
		slog.Bool("hasAttomKey", cfg.AttomAPIKey != ""),
		slog.Bool("hasZillowKey", cfg.ZillowAPIKey != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
	)

	synthesizer := newSynthesizer(cfg.SyntheticSeed)
	redisClient := connectRedis(cfg.RedisURL, logger)
	health := common.NewHealthTracker()
	retry := common.DefaultRetryConfig()

	attomClient := attom.NewClient(attom.Config{
		APIKey:   cfg.AttomAPIKey,
		BaseURL:  cfg.AttomBaseURL,
		Client:   newProviderHTTPClient(cfg.ProviderTimeout),
		Limiter:  newProviderLimiter(cfg.ProviderRPS),
		Retry:    retry,
		Health:   health,
		Redis:    redisClient,
		CacheTTL: cfg.ProviderCacheTTL,
	})
	zillowClient := zillow.NewClient(zillow.Config{
		APIKey:   cfg.ZillowAPIKey,
		APIHost:  cfg.ZillowAPIHost,
		BaseURL:  cfg.ZillowBaseURL,
		Client:   newProviderHTTPClient(cfg.ProviderTimeout),
		Limiter:  newProviderLimiter(cfg.ProviderRPS),
		Retry:    retry,
		Health:   health,
		Redis:    redisClient,
		CacheTTL: cfg.ProviderCacheTTL,
	})
	providerGateway := gateway.New(gateway.Config{
		Properties:  attomClient,
		Owners:      attomClient,
		Valuations:  zillowClient,
		Health:      health,
		Synthesizer: synthesizer,
		Logger:      logger,
	})

	fetcher := sources.New(sources.Config{
		BaseURL:          apiBaseURL,
		HTTPClient:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		TypeaheadTimeout: cfg.TypeaheadTimeout,
		SubmitTimeout:    cfg.SubmitTimeout,
		OwnersTimeout:    cfg.OwnersTimeout,
		Synthesizer:      synthesizer,
		Logger:           logger,
	})
	dispatcher := events.NewDispatcher(logger)
	searchService := search.NewService(fetcher, dispatcher,
		search.WithLogger(logger),
		search.WithDebounce(cfg.Debounce),
		search.WithCacheCapacity(cfg.CacheCapacity),
		search.WithSessionIdleTTL(cfg.SessionIdleTTL),
	)
	defer searchService.Close()

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithGateway(providerGateway),
		apihttp.WithDetails(fetcher),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithAPIRateLimit(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /search/events streams for the lifetime of the client.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	searchService.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("property search service started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("property search service stopped")
}

// resolveAPIBaseURL points the pipeline at this process when no external
// gateway is configured.
func resolveAPIBaseURL(configured, httpAddr string) string {
	if value := strings.TrimRight(strings.TrimSpace(configured), "/"); value != "" {
		return value
	}
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return "http://127.0.0.1:8090"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newSynthesizer(seed uint64) *synth.Synthesizer {
	if seed == 0 {
		return synth.New(nil)
	}
	return synth.NewSeeded(seed)
}

func newProviderHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func newProviderLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func connectRedis(rawURL string, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(rawURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, provider responses will not be cached", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, provider responses will not be cached", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
