// Package gateway serves the property, owner and valuation lookups the search
// pipeline consumes. When a provider is unconfigured, failing or empty it
// answers with a synthesized record tagged "mock" instead of an error.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/providers/common"
	"proptrust/searchservice/internal/synth"
)

const (
	defaultPropertyLimit     = 10
	defaultOwnerLimit        = 5
	maxOwnerLimit            = 20
	detailsPerOwner          = 2
	maxConcurrentDetailCalls = 4
	mockOwnerProperties      = 2
	SourceMock               = "mock"
)

// PropertySource looks up properties by free-form address.
type PropertySource interface {
	Name() string
	Enabled() bool
	PropertiesByAddress(ctx context.Context, address string, limit int) ([]map[string]any, error)
}

// OwnerSource looks up properties by owner name and fetches per-property detail.
type OwnerSource interface {
	Name() string
	Enabled() bool
	PropertiesByOwner(ctx context.Context, owner string, limit int) ([]map[string]any, error)
	PropertyDetail(ctx context.Context, id string) (map[string]any, error)
}

type PropertiesResponse struct {
	Success    bool             `json:"success"`
	Source     string           `json:"source"`
	Properties []map[string]any `json:"properties"`
	Error      string           `json:"error,omitempty"`
}

type Owner struct {
	Name       string           `json:"name"`
	Company    string           `json:"company,omitempty"`
	Source     string           `json:"source,omitempty"`
	Properties []map[string]any `json:"properties"`
}

type OwnersResponse struct {
	Success bool    `json:"success"`
	Source  string  `json:"source"`
	Owners  []Owner `json:"owners"`
	Error   string  `json:"error,omitempty"`
}

type Config struct {
	Properties  PropertySource
	Owners      OwnerSource
	Valuations  PropertySource
	Health      *common.HealthTracker
	Synthesizer *synth.Synthesizer
	Logger      *slog.Logger
}

type Gateway struct {
	properties PropertySource
	owners     OwnerSource
	valuations PropertySource
	health     *common.HealthTracker
	synth      *synth.Synthesizer
	logger     *slog.Logger
}

func New(cfg Config) *Gateway {
	synthesizer := cfg.Synthesizer
	if synthesizer == nil {
		synthesizer = synth.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := cfg.Health
	if health == nil {
		health = common.NewHealthTracker()
	}
	return &Gateway{
		properties: cfg.Properties,
		owners:     cfg.Owners,
		valuations: cfg.Valuations,
		health:     health,
		synth:      synthesizer,
		logger:     logger,
	}
}

// Properties backs GET /api/properties.
func (g *Gateway) Properties(ctx context.Context, address string, limit int) PropertiesResponse {
	limit = clampLimit(limit, defaultPropertyLimit, defaultPropertyLimit)
	return g.lookup(ctx, g.properties, address, limit)
}

// ZillowData backs GET /api/zillow-data.
func (g *Gateway) ZillowData(ctx context.Context, address string) PropertiesResponse {
	return g.lookup(ctx, g.valuations, address, 1)
}

func (g *Gateway) lookup(ctx context.Context, source PropertySource, address string, limit int) PropertiesResponse {
	address = strings.TrimSpace(address)
	if source == nil || !source.Enabled() {
		return g.mockProperties(address, "")
	}
	items, err := source.PropertiesByAddress(ctx, address, limit)
	if err != nil {
		g.logger.Warn("provider lookup failed",
			slog.String("provider", source.Name()),
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		return g.mockProperties(address, err.Error())
	}
	if len(items) == 0 {
		return g.mockProperties(address, "")
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return PropertiesResponse{Success: true, Source: source.Name(), Properties: items}
}

// Owners backs GET /api/owners/search. Properties are grouped by owner name
// and the first two of each owner are enriched with their detail records.
func (g *Gateway) Owners(ctx context.Context, query string, limit int) OwnersResponse {
	query = strings.TrimSpace(query)
	limit = clampLimit(limit, defaultOwnerLimit, maxOwnerLimit)
	if g.owners == nil || !g.owners.Enabled() {
		return g.mockOwners(query, "")
	}
	items, err := g.owners.PropertiesByOwner(ctx, query, limit*detailsPerOwner)
	if err != nil {
		g.logger.Warn("owner lookup failed",
			slog.String("provider", g.owners.Name()),
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return g.mockOwners(query, err.Error())
	}
	owners := groupByOwner(items, limit)
	if len(owners) == 0 {
		return g.mockOwners(query, "")
	}
	g.enrichOwners(ctx, owners)
	return OwnersResponse{Success: true, Source: g.owners.Name(), Owners: owners}
}

func (g *Gateway) Diagnostics() []domain.ProviderDiagnostics {
	return g.health.Diagnostics()
}

// enrichOwners replaces snapshots with detail records, bounded in concurrency.
// A failed detail lookup keeps the snapshot.
func (g *Gateway) enrichOwners(ctx context.Context, owners []Owner) {
	sem := semaphore.NewWeighted(maxConcurrentDetailCalls)
	var wg sync.WaitGroup
	for i := range owners {
		for j := range owners[i].Properties {
			id := propertyID(owners[i].Properties[j])
			if id == "" {
				continue
			}
			wg.Add(1)
			go func(owner, index int, id string) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)

				detail, err := g.owners.PropertyDetail(ctx, id)
				if err != nil {
					g.logger.Debug("owner property detail failed", slog.String("id", id), slog.String("error", err.Error()))
					return
				}
				merged := owners[owner].Properties[index]
				for key, value := range detail {
					merged[key] = value
				}
			}(i, j, id)
		}
	}
	wg.Wait()
}

func (g *Gateway) mockProperties(address, failure string) PropertiesResponse {
	record := g.synth.Record(address, domain.SourceMock)
	return PropertiesResponse{
		Success:    true,
		Source:     SourceMock,
		Properties: []map[string]any{recordMap(record)},
		Error:      failure,
	}
}

func (g *Gateway) mockOwners(query, failure string) OwnersResponse {
	records := g.synth.OwnerRecords(query, mockOwnerProperties, domain.SourceMock)
	owner := Owner{Source: SourceMock, Properties: make([]map[string]any, 0, len(records))}
	for _, record := range records {
		owner.Name = record.Owner
		owner.Company = record.Company
		owner.Properties = append(owner.Properties, recordMap(record))
	}
	return OwnersResponse{
		Success: true,
		Source:  SourceMock,
		Owners:  []Owner{owner},
		Error:   failure,
	}
}

func groupByOwner(items []map[string]any, limit int) []Owner {
	var owners []Owner
	index := make(map[string]int)
	for _, item := range items {
		name := ownerOf(item)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		position, seen := index[key]
		if !seen {
			if len(owners) == limit {
				continue
			}
			position = len(owners)
			index[key] = position
			owners = append(owners, Owner{Name: name})
		}
		if len(owners[position].Properties) < detailsPerOwner {
			owners[position].Properties = append(owners[position].Properties, item)
		}
	}
	return owners
}

func ownerOf(item map[string]any) string {
	if owner, ok := item["owner"].(map[string]any); ok {
		if owner1, ok := owner["owner1"].(map[string]any); ok {
			if name, ok := owner1["fullName"].(string); ok && strings.TrimSpace(name) != "" {
				return strings.TrimSpace(name)
			}
		}
	}
	for _, key := range []string{"ownerName", "owner"} {
		if name, ok := item[key].(string); ok && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func propertyID(item map[string]any) string {
	if identifier, ok := item["identifier"].(map[string]any); ok {
		switch id := identifier["attomId"].(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	if id, ok := item["id"].(string); ok {
		return id
	}
	return ""
}

// recordMap renders a synthesized record in the same JSON shape the API returns.
func recordMap(record domain.PropertyRecord) map[string]any {
	data, err := json.Marshal(record)
	if err != nil {
		return map[string]any{"id": record.ID, "source": string(record.Source)}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"id": record.ID, "source": string(record.Source)}
	}
	return out
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
