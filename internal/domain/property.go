package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type RecordSource string

const (
	SourceAPI      RecordSource = "api"
	SourceMock     RecordSource = "mock"
	SourceFallback RecordSource = "fallback"
)

// NormalizeRecordSource maps provider provenance tags onto the three canonical values.
// Unknown or empty tags are treated as live data.
func NormalizeRecordSource(raw string) RecordSource {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case value == "":
		return SourceAPI
	case strings.HasPrefix(value, "fallback"), strings.Contains(value, "error"):
		return SourceFallback
	case strings.HasPrefix(value, "mock"), strings.Contains(value, "synthetic"):
		return SourceMock
	default:
		return SourceAPI
	}
}

type MarketTrend string

const (
	MarketTrendUp     MarketTrend = "up"
	MarketTrendDown   MarketTrend = "down"
	MarketTrendStable MarketTrend = "stable"
)

func NormalizeMarketTrend(raw string) (MarketTrend, bool) {
	switch MarketTrend(strings.ToLower(strings.TrimSpace(raw))) {
	case MarketTrendUp:
		return MarketTrendUp, true
	case MarketTrendDown:
		return MarketTrendDown, true
	case MarketTrendStable:
		return MarketTrendStable, true
	default:
		return "", false
	}
}

const OwnerTypeVerified = "verified-owner"

// Coordinates serialize as [longitude, latitude].
type Coordinates struct {
	Longitude float64
	Latitude  float64
}

func (c Coordinates) IsZero() bool {
	return c.Longitude == 0 && c.Latitude == 0
}

func (c Coordinates) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Longitude, c.Latitude})
}

func (c *Coordinates) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinates: expected [lng, lat], got %d values", len(pair))
	}
	c.Longitude = pair[0]
	c.Latitude = pair[1]
	return nil
}

type PropertyRecord struct {
	ID                string       `json:"id"`
	Owner             string       `json:"owner"`
	Company           string       `json:"company"`
	Address           string       `json:"address"`
	City              string       `json:"city"`
	State             string       `json:"state"`
	Coordinates       Coordinates  `json:"coordinates"`
	MarketValue       float64      `json:"marketValue"`
	PropertyType      string       `json:"propertyType"`
	YearBuilt         int          `json:"yearBuilt"`
	Sqft              int          `json:"sqft"`
	Bedrooms          int          `json:"bedrooms"`
	Bathrooms         int          `json:"bathrooms"`
	TrustScore        int          `json:"trustScore"`
	Verified          bool         `json:"verified"`
	ScamReports       int          `json:"scamReports"`
	MarketTrend       MarketTrend  `json:"marketTrend"`
	Source            RecordSource `json:"source"`
	OwnerType         string       `json:"ownerType,omitempty"`
	SynthesizedFields []string     `json:"synthesizedFields,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r PropertyRecord) Clone() PropertyRecord {
	cloned := r
	cloned.SynthesizedFields = append([]string(nil), r.SynthesizedFields...)
	return cloned
}

func CloneRecords(records []PropertyRecord) []PropertyRecord {
	if records == nil {
		return nil
	}
	cloned := make([]PropertyRecord, len(records))
	for i, record := range records {
		cloned[i] = record.Clone()
	}
	return cloned
}

type SearchType string

const (
	SearchTypeProperties SearchType = "properties"
	SearchTypeOwners     SearchType = "owners"
	SearchTypeBoth       SearchType = "both"
)

func NormalizeSearchType(raw string) SearchType {
	switch SearchType(strings.ToLower(strings.TrimSpace(raw))) {
	case SearchTypeProperties:
		return SearchTypeProperties
	case SearchTypeOwners:
		return SearchTypeOwners
	default:
		return SearchTypeBoth
	}
}

type SearchRequest struct {
	Query      string
	SearchType SearchType
	Filters    FilterSpec
}

// BranchStatus reports how one sub-search settled.
type BranchStatus struct {
	Name   string       `json:"name"`
	OK     bool         `json:"ok"`
	Count  int          `json:"count"`
	Source RecordSource `json:"source,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type SearchResponse struct {
	Query      string           `json:"query"`
	SearchType SearchType       `json:"searchType"`
	Items      []PropertyRecord `json:"items"`
	TotalItems int              `json:"totalItems"`
	Cached     bool             `json:"cached"`
	Degraded   bool             `json:"degraded"`
	Skipped    bool             `json:"skipped,omitempty"`
	Generation uint64           `json:"generation"`
	Branches   []BranchStatus   `json:"branches,omitempty"`
	ElapsedMS  int64            `json:"elapsedMs"`
}

// HasDegradedItems reports whether any record was synthesized rather than served live.
func HasDegradedItems(items []PropertyRecord) bool {
	for _, item := range items {
		if item.Source != SourceAPI {
			return true
		}
	}
	return false
}
