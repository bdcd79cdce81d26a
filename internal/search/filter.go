package search

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"proptrust/searchservice/internal/domain"
)

type compiledFilters struct {
	propertyType string
	priceMin     *float64
	priceMax     *float64
	bedrooms     *float64
	bathrooms    *float64
	yearBuilt    *float64
	trustScore   *float64
	verified     *bool
}

// ApplyFilters returns the records matching every active filter, in input order.
// Filters that fail to parse are treated as inactive.
func ApplyFilters(records []domain.PropertyRecord, filters domain.FilterSpec) []domain.PropertyRecord {
	compiled := compileFilters(filters)
	if !compiled.active() {
		return records
	}
	filtered := make([]domain.PropertyRecord, 0, len(records))
	for _, record := range records {
		if compiled.match(record) {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

func compileFilters(filters domain.FilterSpec) compiledFilters {
	// A Caser keeps state, so each compilation gets its own.
	fold := cases.Fold()
	compiled := compiledFilters{
		propertyType: fold.String(strings.TrimSpace(filters.PropertyType)),
		priceMin:     parseFilterNumber(filters.PriceMin),
		priceMax:     parseFilterNumber(filters.PriceMax),
		bedrooms:     parseFilterNumber(filters.Bedrooms),
		bathrooms:    parseFilterNumber(filters.Bathrooms),
		yearBuilt:    parseFilterNumber(filters.YearBuilt),
		trustScore:   parseFilterNumber(filters.TrustScore),
	}
	switch strings.ToLower(strings.TrimSpace(filters.Verified)) {
	case domain.VerifiedOnly:
		value := true
		compiled.verified = &value
	case domain.UnverifiedOnly:
		value := false
		compiled.verified = &value
	}
	return compiled
}

func parseFilterNumber(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		return nil
	}
	return &value
}

func (f compiledFilters) active() bool {
	return f.propertyType != "" ||
		f.priceMin != nil ||
		f.priceMax != nil ||
		f.bedrooms != nil ||
		f.bathrooms != nil ||
		f.yearBuilt != nil ||
		f.trustScore != nil ||
		f.verified != nil
}

func (f compiledFilters) match(record domain.PropertyRecord) bool {
	if f.propertyType != "" && !strings.Contains(cases.Fold().String(record.PropertyType), f.propertyType) {
		return false
	}
	if f.priceMin != nil && record.MarketValue < *f.priceMin {
		return false
	}
	if f.priceMax != nil && record.MarketValue > *f.priceMax {
		return false
	}
	if f.bedrooms != nil && float64(record.Bedrooms) < *f.bedrooms {
		return false
	}
	if f.bathrooms != nil && float64(record.Bathrooms) < *f.bathrooms {
		return false
	}
	if f.yearBuilt != nil && float64(record.YearBuilt) < *f.yearBuilt {
		return false
	}
	if f.trustScore != nil && float64(record.TrustScore) < *f.trustScore {
		return false
	}
	if f.verified != nil && record.Verified != *f.verified {
		return false
	}
	return true
}
