package attom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/providers/common"
)

const (
	providerName      = "attom"
	defaultBaseURL    = "https://api.gateway.attomdata.com/propertyapi/v1.0.0"
	expandedPath      = "/property/expandedprofile"
	ownerSnapshotPath = "/property/snapshot"
	detailPath        = "/property/detail"
	maxPageSize       = 50
)

type Config struct {
	APIKey   string
	BaseURL  string
	Client   *http.Client
	Limiter  *rate.Limiter
	Retry    common.RetryConfig
	Health   *common.HealthTracker
	Redis    *redis.Client
	CacheTTL time.Duration
}

// Client reads property records from the ATTOM property API.
type Client struct {
	apiKey  string
	baseURL string
	http    *common.Client
}

type propertyEnvelope struct {
	Status struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"status"`
	Property []map[string]any `json:"property"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
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
		Label:   "ATTOM Property API",
		Kind:    "records",
		Enabled: c.Enabled(),
	}
}

// PropertiesByAddress returns expanded property profiles matching a free-form address.
func (c *Client) PropertiesByAddress(ctx context.Context, address string, limit int) ([]map[string]any, error) {
	if !c.Enabled() {
		return nil, common.ErrProviderDisabled
	}
	line1, line2 := splitAddress(address)
	params := url.Values{
		"address1": {line1},
		"pagesize": {strconv.Itoa(pageSize(limit))},
	}
	if line2 != "" {
		params.Set("address2", line2)
	}
	return c.fetchProperties(ctx, expandedPath, params, "address:"+address)
}

// PropertiesByOwner returns property snapshots whose owner name matches query.
func (c *Client) PropertiesByOwner(ctx context.Context, owner string, limit int) ([]map[string]any, error) {
	if !c.Enabled() {
		return nil, common.ErrProviderDisabled
	}
	params := url.Values{
		"ownername": {strings.TrimSpace(owner)},
		"pagesize":  {strconv.Itoa(pageSize(limit))},
	}
	return c.fetchProperties(ctx, ownerSnapshotPath, params, "owner:"+owner)
}

// PropertyDetail returns the detail record of one ATTOM property.
func (c *Client) PropertyDetail(ctx context.Context, attomID string) (map[string]any, error) {
	if !c.Enabled() {
		return nil, common.ErrProviderDisabled
	}
	params := url.Values{"attomid": {strings.TrimSpace(attomID)}}
	items, err := c.fetchProperties(ctx, detailPath, params, "detail:"+attomID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("attom: no detail for %s", attomID)
	}
	return items[0], nil
}

func (c *Client) fetchProperties(ctx context.Context, path string, params url.Values, cacheKey string) ([]map[string]any, error) {
	header := http.Header{}
	header.Set("apikey", c.apiKey)

	body, err := c.http.Get(ctx, c.baseURL+path+"?"+params.Encode(), header, cacheKey)
	if err != nil {
		return nil, err
	}
	var envelope propertyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("attom: decode %s: %w", path, err)
	}
	if envelope.Status.Code != 0 && len(envelope.Property) == 0 {
		// ATTOM reports "SuccessWithoutResult" with a non-zero code.
		if strings.Contains(strings.ToLower(envelope.Status.Msg), "withoutresult") {
			return nil, nil
		}
		return nil, fmt.Errorf("attom: status %d: %s", envelope.Status.Code, envelope.Status.Msg)
	}
	return envelope.Property, nil
}

// splitAddress separates the street line from "city, state zip".
func splitAddress(address string) (string, string) {
	line1, rest, found := strings.Cut(strings.TrimSpace(address), ",")
	if !found {
		return line1, ""
	}
	return strings.TrimSpace(line1), strings.TrimSpace(rest)
}

func pageSize(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
