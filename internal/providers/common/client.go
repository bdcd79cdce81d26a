package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	redisKeyPrefix   = "proptrust:provider:"
	maxResponseBytes = 2 << 20
)

var (
	ErrProviderBlocked  = errors.New("provider temporarily blocked")
	ErrProviderDisabled = errors.New("provider not configured")
)

// ClientConfig wires one upstream provider.
type ClientConfig struct {
	Name     string
	HTTP     *http.Client
	Limiter  *rate.Limiter
	Retry    RetryConfig
	Health   *HealthTracker
	Redis    *redis.Client
	CacheTTL time.Duration
}

// Client performs GET requests against a provider with circuit breaking,
// rate limiting, retries and an optional Redis response cache.
type Client struct {
	name     string
	http     *http.Client
	limiter  *rate.Limiter
	retry    RetryConfig
	health   *HealthTracker
	redis    *redis.Client
	cacheTTL time.Duration
	now      func() time.Time
}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthTracker()
	}
	return &Client{
		name:     providerKey(cfg.Name),
		http:     httpClient,
		limiter:  cfg.Limiter,
		retry:    retry,
		health:   health,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

func (c *Client) Name() string { return c.name }

// Get returns the body of a 2xx response. cacheKey may be empty to bypass the cache.
func (c *Client) Get(ctx context.Context, endpoint string, header http.Header, cacheKey string) ([]byte, error) {
	if blocked, until, lastErr := c.health.Blocked(c.name, c.now()); blocked {
		return nil, fmt.Errorf("%w: %s until %s (%s)", ErrProviderBlocked, c.name, until.Format(time.RFC3339), lastErr)
	}

	if body, ok := c.cacheGet(ctx, cacheKey); ok {
		return body, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	startedAt := c.now()
	var body []byte
	err := RetryWithBackoff(ctx, c.retry, func() error {
		var err error
		body, err = c.do(ctx, endpoint, header)
		return err
	})
	c.health.Record(c.name, endpoint, err, c.now().Sub(startedAt), c.now())
	if err != nil {
		return nil, err
	}

	c.cacheSet(ctx, cacheKey, body)
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func (c *Client) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if c.redis == nil || key == "" {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Client) cacheSet(ctx context.Context, key string, body []byte) {
	if c.redis == nil || key == "" {
		return
	}
	_ = c.redis.Set(ctx, c.redisKey(key), body, c.cacheTTL).Err()
}

func (c *Client) redisKey(key string) string {
	return redisKeyPrefix + c.name + ":" + strings.ToLower(strings.TrimSpace(key))
}
