package zillow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/providers/common"
)

const (
	providerName   = "zillow"
	defaultBaseURL = "https://zillow-com1.p.rapidapi.com"
	defaultAPIHost = "zillow-com1.p.rapidapi.com"
	propertyPath   = "/property"
	searchPath     = "/propertyExtendedSearch"
)

type Config struct {
	APIKey   string
	APIHost  string
	BaseURL  string
	Client   *http.Client
	Limiter  *rate.Limiter
	Retry    common.RetryConfig
	Health   *common.HealthTracker
	Redis    *redis.Client
	CacheTTL time.Duration
}

// Client reads valuations from the Zillow RapidAPI endpoints.
type Client struct {
	apiKey  string
	apiHost string
	baseURL string
	http    *common.Client
}

type searchEnvelope struct {
	Props []map[string]any `json:"props"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiHost := strings.TrimSpace(cfg.APIHost)
	if apiHost == "" {
		apiHost = defaultAPIHost
	}
	client := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		apiHost: apiHost,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: common.NewClient(common.ClientConfig{
			Name:     providerName,
			HTTP:     cfg.Client,
			Limiter:  cfg.Limiter,
			Retry:    cfg.Retry,
			Health:   cfg.Health,
			Redis:    cfg.Redis,
			CacheTTL: cfg.CacheTTL,
		}),
	}
	if cfg.Health != nil {
		cfg.Health.Register(client.Info())
	}
	return client
}

func (c *Client) Name() string { return providerName }

func (c *Client) Enabled() bool { return c.apiKey != "" }

func (c *Client) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "Zillow (RapidAPI)",
		Kind:    "valuation",
		Enabled: c.Enabled(),
	}
}

// PropertiesByAddress returns the property at address. The endpoint answers
// with a single object; an address it cannot resolve falls back to the
// extended search listing.
func (c *Client) PropertiesByAddress(ctx context.Context, address string, limit int) ([]map[string]any, error) {
	if !c.Enabled() {
		return nil, common.ErrProviderDisabled
	}
	address = strings.TrimSpace(address)

	body, err := c.get(ctx, propertyPath, url.Values{"address": {address}}, "property:"+address)
	if err != nil {
		return nil, err
	}
	var property map[string]any
	if err := json.Unmarshal(body, &property); err != nil {
		return nil, fmt.Errorf("zillow: decode property: %w", err)
	}
	if _, ok := property["zpid"]; ok {
		return []map[string]any{property}, nil
	}

	body, err = c.get(ctx, searchPath, url.Values{"location": {address}}, "search:"+address)
	if err != nil {
		return nil, err
	}
	var envelope searchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("zillow: decode search: %w", err)
	}
	if limit > 0 && len(envelope.Props) > limit {
		envelope.Props = envelope.Props[:limit]
	}
	return envelope.Props, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, cacheKey string) ([]byte, error) {
	header := http.Header{}
	header.Set("X-RapidAPI-Key", c.apiKey)
	header.Set("X-RapidAPI-Host", c.apiHost)
	return c.http.Get(ctx, c.baseURL+path+"?"+params.Encode(), header, cacheKey)
}
