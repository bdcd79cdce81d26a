package domain

import (
	"encoding/json"
	"strings"
)

const (
	FilterPropertyType = "propertyType"
	FilterPriceMin     = "priceMin"
	FilterPriceMax     = "priceMax"
	FilterBedrooms     = "bedrooms"
	FilterBathrooms    = "bathrooms"
	FilterYearBuilt    = "yearBuilt"
	FilterTrustScore   = "trustScore"
	FilterVerified     = "verified"
)

// FilterNames lists every filter field in declaration order.
var FilterNames = []string{
	FilterPropertyType,
	FilterPriceMin,
	FilterPriceMax,
	FilterBedrooms,
	FilterBathrooms,
	FilterYearBuilt,
	FilterTrustScore,
	FilterVerified,
}

const (
	VerifiedOnly   = "verified"
	UnverifiedOnly = "unverified"
	VerifiedAll    = "all"
)

// FilterSpec holds raw filter values; an empty string means the filter is inactive.
type FilterSpec struct {
	PropertyType string `json:"propertyType"`
	PriceMin     string `json:"priceMin"`
	PriceMax     string `json:"priceMax"`
	Bedrooms     string `json:"bedrooms"`
	Bathrooms    string `json:"bathrooms"`
	YearBuilt    string `json:"yearBuilt"`
	TrustScore   string `json:"trustScore"`
	Verified     string `json:"verified"`
}

// FilterSpecFromMap builds a FilterSpec from an unordered name/value mapping.
// Unknown names are ignored.
func FilterSpecFromMap(values map[string]string) FilterSpec {
	var spec FilterSpec
	for name, value := range values {
		spec.Set(name, value)
	}
	return spec
}

func (f *FilterSpec) Set(name, value string) bool {
	value = strings.TrimSpace(value)
	switch name {
	case FilterPropertyType:
		f.PropertyType = value
	case FilterPriceMin:
		f.PriceMin = value
	case FilterPriceMax:
		f.PriceMax = value
	case FilterBedrooms:
		f.Bedrooms = value
	case FilterBathrooms:
		f.Bathrooms = value
	case FilterYearBuilt:
		f.YearBuilt = value
	case FilterTrustScore:
		f.TrustScore = value
	case FilterVerified:
		f.Verified = value
	default:
		return false
	}
	return true
}

func (f FilterSpec) Map() map[string]string {
	return map[string]string{
		FilterPropertyType: f.PropertyType,
		FilterPriceMin:     f.PriceMin,
		FilterPriceMax:     f.PriceMax,
		FilterBedrooms:     f.Bedrooms,
		FilterBathrooms:    f.Bathrooms,
		FilterYearBuilt:    f.YearBuilt,
		FilterTrustScore:   f.TrustScore,
		FilterVerified:     f.Verified,
	}
}

// CanonicalJSON serializes the spec with sorted keys and every field present.
func (f FilterSpec) CanonicalJSON() string {
	// encoding/json sorts map keys.
	data, err := json.Marshal(f.Map())
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (f FilterSpec) IsEmpty() bool {
	for _, value := range f.Map() {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
