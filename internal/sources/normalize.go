package sources

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"proptrust/searchservice/internal/domain"
)

// Provider payloads name the same field differently. For each record field
// the first alias holding a usable value wins.
var (
	idAliases           = []string{"id", "_id", "propertyId", "zpid", "identifier.attomId", "identifier.Id", "attomId"}
	ownerAliases        = []string{"owner", "ownerName", "owner.owner1.fullName", "owner.owner1.fullname", "owner1FullName"}
	companyAliases      = []string{"company", "ownerCompany", "owner.company", "owner.owner1.companyName", "brokerageName"}
	addressAliases      = []string{"address", "streetAddress", "address.line1", "address.oneLine", "address.streetAddress", "addressLine1"}
	cityAliases         = []string{"city", "address.locality", "address.city", "locality"}
	stateAliases        = []string{"state", "address.countrySubd", "address.state", "stateCode"}
	longitudeAliases    = []string{"longitude", "lng", "lon", "location.longitude", "location.lng"}
	latitudeAliases     = []string{"latitude", "lat", "location.latitude", "location.lat"}
	marketValueAliases  = []string{"marketValue", "price", "assessment.market.mktTtlValue", "zestimate", "avm.amount.value", "value", "listPrice"}
	propertyTypeAliases = []string{"propertyType", "summary.propType", "summary.propertyType", "homeType", "propType"}
	yearBuiltAliases    = []string{"yearBuilt", "summary.yearBuilt", "building.summary.yearBuilt", "yearbuilt"}
	sqftAliases         = []string{"sqft", "livingArea", "squareFeet", "building.size.livingSize", "building.size.universalSize", "livingSize"}
	bedroomsAliases     = []string{"bedrooms", "beds", "building.rooms.beds"}
	bathroomsAliases    = []string{"bathrooms", "baths", "building.rooms.bathsTotal", "building.rooms.bathsFull", "bathsTotal"}
	trustScoreAliases   = []string{"trustScore", "trust_score"}
	verifiedAliases     = []string{"verified", "isVerified", "ownerVerified"}
	scamReportsAliases  = []string{"scamReports", "scam_reports", "reports"}
	marketTrendAliases  = []string{"marketTrend", "trend"}
	sourceAliases       = []string{"source", "dataSource"}
	ownerNameAliases    = []string{"name", "owner", "ownerName", "fullName"}
)

// normalizeRecord maps a provider payload onto a PropertyRecord and returns
// the JSON names of the fields the payload did not supply.
func normalizeRecord(raw map[string]any) (domain.PropertyRecord, []string) {
	var (
		record  domain.PropertyRecord
		missing []string
	)
	miss := func(name string) { missing = append(missing, name) }

	if value, ok := firstString(raw, idAliases); ok {
		record.ID = value
	} else {
		miss("id")
	}
	if value, ok := firstString(raw, ownerAliases); ok {
		record.Owner = value
	} else {
		miss("owner")
	}
	if value, ok := firstString(raw, companyAliases); ok {
		record.Company = value
	} else {
		miss("company")
	}
	if value, ok := firstString(raw, addressAliases); ok {
		record.Address = value
	} else {
		miss("address")
	}
	if value, ok := firstString(raw, cityAliases); ok {
		record.City = value
	} else {
		miss("city")
	}
	if value, ok := firstString(raw, stateAliases); ok {
		record.State = strings.ToUpper(value)
	} else {
		miss("state")
	}
	if coords, ok := coordinates(raw); ok {
		record.Coordinates = coords
	} else {
		miss("coordinates")
	}
	if value, ok := firstNumber(raw, marketValueAliases); ok && value > 0 {
		record.MarketValue = value
	} else {
		miss("marketValue")
	}
	if value, ok := firstString(raw, propertyTypeAliases); ok {
		record.PropertyType = value
	} else {
		miss("propertyType")
	}
	if value, ok := firstNumber(raw, yearBuiltAliases); ok && value > 0 {
		record.YearBuilt = int(value)
	} else {
		miss("yearBuilt")
	}
	if value, ok := firstNumber(raw, sqftAliases); ok && value > 0 {
		record.Sqft = int(math.Round(value))
	} else {
		miss("sqft")
	}
	if value, ok := firstNumber(raw, bedroomsAliases); ok && value > 0 {
		record.Bedrooms = int(value)
	} else {
		miss("bedrooms")
	}
	if value, ok := firstNumber(raw, bathroomsAliases); ok && value > 0 {
		record.Bathrooms = int(math.Round(value))
	} else {
		miss("bathrooms")
	}
	if value, ok := firstNumber(raw, trustScoreAliases); ok {
		record.TrustScore = int(math.Max(0, math.Min(100, math.Round(value))))
	} else {
		miss("trustScore")
	}
	if value, ok := firstBool(raw, verifiedAliases); ok {
		record.Verified = value
	} else {
		miss("verified")
	}
	if value, ok := firstNumber(raw, scamReportsAliases); ok {
		record.ScamReports = int(math.Max(0, value))
	} else {
		miss("scamReports")
	}
	trend := ""
	if value, ok := firstString(raw, marketTrendAliases); ok {
		trend = value
	}
	if normalized, ok := domain.NormalizeMarketTrend(trend); ok {
		record.MarketTrend = normalized
	} else {
		miss("marketTrend")
	}

	source, _ := firstString(raw, sourceAliases)
	record.Source = domain.NormalizeRecordSource(source)
	return record, missing
}

// lookup resolves a dotted path through nested objects.
func lookup(m map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	current := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	value, ok := current[keys[len(keys)-1]]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func firstString(m map[string]any, aliases []string) (string, bool) {
	for _, alias := range aliases {
		value, ok := lookup(m, alias)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

func firstNumber(m map[string]any, aliases []string) (float64, bool) {
	for _, alias := range aliases {
		value, ok := lookup(m, alias)
		if !ok {
			continue
		}
		if number, ok := toNumber(value); ok {
			return number, true
		}
	}
	return 0, false
}

func firstBool(m map[string]any, aliases []string) (bool, bool) {
	for _, alias := range aliases {
		value, ok := lookup(m, alias)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return parsed, true
			}
		}
	}
	return false, false
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case json.Number:
		parsed, err := v.Float64()
		return parsed, err == nil
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(v))
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		return parsed, err == nil
	}
	return 0, false
}

// coordinates accepts a [lng, lat] pair or separate longitude/latitude fields.
func coordinates(m map[string]any) (domain.Coordinates, bool) {
	if value, ok := lookup(m, "coordinates"); ok {
		if pair, ok := value.([]any); ok && len(pair) == 2 {
			lng, okLng := toNumber(pair[0])
			lat, okLat := toNumber(pair[1])
			if okLng && okLat && validCoordinates(lng, lat) {
				return domain.Coordinates{Longitude: lng, Latitude: lat}, true
			}
		}
	}
	lng, okLng := firstNumber(m, longitudeAliases)
	lat, okLat := firstNumber(m, latitudeAliases)
	if okLng && okLat && validCoordinates(lng, lat) {
		return domain.Coordinates{Longitude: lng, Latitude: lat}, true
	}
	return domain.Coordinates{}, false
}

func validCoordinates(lng, lat float64) bool {
	if lng == 0 && lat == 0 {
		return false
	}
	return lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}

func ownerName(raw map[string]any) string {
	name, _ := firstString(raw, ownerNameAliases)
	return name
}

func describeMissing(missing []string) string {
	return fmt.Sprintf("%d fields synthesized: %s", len(missing), strings.Join(missing, ","))
}
