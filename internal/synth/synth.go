// Package synth generates structurally valid property records for queries that
// no live provider could answer. Every record it produces carries a non-api
// source tag so callers can always tell synthetic data apart.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"proptrust/searchservice/internal/domain"
)

const (
	DefaultCity  = "Unknown City"
	DefaultState = "CA"
)

var (
	ownerNames = []string{
		"Sarah Chen", "Michael Rodriguez", "Jennifer Williams", "David Thompson",
		"Emily Johnson", "Robert Kim", "Lisa Anderson", "James Wilson",
	}
	companies = []string{
		"Chen Family Trust", "Rodriguez Holdings LLC", "Pacific Realty Group",
		"Summit Property Partners", "Bayview Investments LLC", "Independent Owner",
	}
	propertyTypes = []string{
		"Single Family", "Condo", "Townhouse", "Multi-Family", "Apartment",
	}
	streetNames = []string{
		"Main St", "Oak Ave", "Pine St", "Maple Dr", "Cedar Ln", "Elm St", "Market St", "Valencia St",
	}
	trends = []domain.MarketTrend{domain.MarketTrendUp, domain.MarketTrendDown, domain.MarketTrendStable}
)

type cityCenter struct {
	name  string
	state string
	lng   float64
	lat   float64
}

var cityCenters = map[string]cityCenter{
	"san francisco": {"San Francisco", "CA", -122.4194, 37.7749},
	"los angeles":   {"Los Angeles", "CA", -118.2437, 34.0522},
	"san diego":     {"San Diego", "CA", -117.1611, 32.7157},
	"new york":      {"New York", "NY", -74.0060, 40.7128},
	"seattle":       {"Seattle", "WA", -122.3321, 47.6062},
	"austin":        {"Austin", "TX", -97.7431, 30.2672},
	"chicago":       {"Chicago", "IL", -87.6298, 41.8781},
	"miami":         {"Miami", "FL", -80.1918, 25.7617},
	"denver":        {"Denver", "CO", -104.9903, 39.7392},
	"boston":        {"Boston", "MA", -71.0589, 42.3601},
}

var defaultCenter = cityCenters["san francisco"]

// Synthesizer is safe for concurrent use.
type Synthesizer struct {
	mu    sync.Mutex
	rng   *rand.Rand
	title cases.Caser
}

// New returns a Synthesizer drawing from src. A nil src uses a randomly seeded PCG.
func New(src rand.Source) *Synthesizer {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Synthesizer{
		rng:   rand.New(src),
		title: cases.Title(language.English),
	}
}

// NewSeeded returns a deterministic Synthesizer.
func NewSeeded(seed uint64) *Synthesizer {
	return New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// ParseAddress splits a free-form query on commas: street, city, state.
// The state segment keeps only its first token, so "CA 94105" yields "CA".
func ParseAddress(seed string) (address, city, state string) {
	parts := strings.Split(seed, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	address = parts[0]
	city = DefaultCity
	state = DefaultState
	if len(parts) > 1 && parts[1] != "" {
		city = parts[1]
	}
	if len(parts) > 2 {
		if fields := strings.Fields(parts[2]); len(fields) > 0 {
			state = strings.ToUpper(fields[0])
		}
	}
	return address, city, state
}

// Record synthesizes one property record located at whatever address can be parsed from seed.
func (s *Synthesizer) Record(seed string, source domain.RecordSource) domain.PropertyRecord {
	address, city, state := ParseAddress(seed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if address == "" {
		address = s.streetAddressLocked()
	}
	return s.recordLocked(address, city, state, source)
}

// OwnerRecords synthesizes n records owned by the person or entity named in seed.
func (s *Synthesizer) OwnerRecords(seed string, n int, source domain.RecordSource) []domain.PropertyRecord {
	if n <= 0 {
		return nil
	}
	owner := strings.TrimSpace(seed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner == "" {
		owner = pick(s.rng, ownerNames)
	} else {
		owner = s.title.String(owner)
	}

	records := make([]domain.PropertyRecord, 0, n)
	for i := 0; i < n; i++ {
		center := s.randomCenterLocked()
		record := s.recordLocked(s.streetAddressLocked(), center.name, center.state, source)
		record.Owner = owner
		record.OwnerType = domain.OwnerTypeVerified
		records = append(records, record)
	}
	return records
}

// Fill completes the fields of record named in missing with synthesized values
// located near the record's own city. It returns the names it filled.
func (s *Synthesizer) Fill(record *domain.PropertyRecord, missing []string) []string {
	if record == nil || len(missing) == 0 {
		return nil
	}
	city := record.City
	if city == "" {
		city = DefaultCity
	}
	state := record.State
	if state == "" {
		state = DefaultState
	}

	s.mu.Lock()
	address := record.Address
	if address == "" {
		address = s.streetAddressLocked()
	}
	template := s.recordLocked(address, city, state, record.Source)
	s.mu.Unlock()

	filled := make([]string, 0, len(missing))
	for _, field := range missing {
		if copyField(record, template, field) {
			filled = append(filled, field)
		}
	}
	return filled
}

func copyField(dst *domain.PropertyRecord, src domain.PropertyRecord, field string) bool {
	switch field {
	case "id":
		dst.ID = src.ID
	case "owner":
		dst.Owner = src.Owner
	case "company":
		dst.Company = src.Company
	case "address":
		dst.Address = src.Address
	case "city":
		dst.City = src.City
	case "state":
		dst.State = src.State
	case "coordinates":
		dst.Coordinates = src.Coordinates
	case "marketValue":
		dst.MarketValue = src.MarketValue
	case "propertyType":
		dst.PropertyType = src.PropertyType
	case "yearBuilt":
		dst.YearBuilt = src.YearBuilt
	case "sqft":
		dst.Sqft = src.Sqft
	case "bedrooms":
		dst.Bedrooms = src.Bedrooms
	case "bathrooms":
		dst.Bathrooms = src.Bathrooms
	case "trustScore":
		dst.TrustScore = src.TrustScore
	case "verified":
		dst.Verified = src.Verified
	case "scamReports":
		dst.ScamReports = src.ScamReports
	case "marketTrend":
		dst.MarketTrend = src.MarketTrend
	default:
		return false
	}
	return true
}

func (s *Synthesizer) recordLocked(address, city, state string, source domain.RecordSource) domain.PropertyRecord {
	if source == "" || source == domain.SourceAPI {
		source = domain.SourceMock
	}
	center, ok := cityCenters[strings.ToLower(city)]
	if !ok {
		center = defaultCenter
	}
	verified := s.rng.Float64() < 0.7
	trustScore := 40 + s.rng.IntN(61)
	scamReports := 0
	if !verified {
		scamReports = s.rng.IntN(4)
	}

	return domain.PropertyRecord{
		ID:      string(source) + "-" + s.idLocked(),
		Owner:   pick(s.rng, ownerNames),
		Company: pick(s.rng, companies),
		Address: address,
		City:    city,
		State:   state,
		Coordinates: domain.Coordinates{
			Longitude: round6(center.lng + (s.rng.Float64()-0.5)*0.1),
			Latitude:  round6(center.lat + (s.rng.Float64()-0.5)*0.1),
		},
		MarketValue:  float64(250+s.rng.IntN(2000)) * 1000,
		PropertyType: pick(s.rng, propertyTypes),
		YearBuilt:    1950 + s.rng.IntN(74),
		Sqft:         800 + s.rng.IntN(4000),
		Bedrooms:     1 + s.rng.IntN(5),
		Bathrooms:    1 + s.rng.IntN(4),
		TrustScore:   trustScore,
		Verified:     verified,
		ScamReports:  scamReports,
		MarketTrend:  trends[s.rng.IntN(len(trends))],
		Source:       source,
	}
}

func (s *Synthesizer) streetAddressLocked() string {
	return fmt.Sprintf("%d %s", 100+s.rng.IntN(9900), pick(s.rng, streetNames))
}

func (s *Synthesizer) randomCenterLocked() cityCenter {
	keys := []string{"san francisco", "los angeles", "san diego", "seattle", "austin", "denver"}
	return cityCenters[pick(s.rng, keys)]
}

func (s *Synthesizer) idLocked() string {
	id, err := uuid.NewRandomFromReader(randReader{rng: s.rng})
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// randReader adapts the synthesizer's source to io.Reader so generated IDs
// stay deterministic under a seeded source.
type randReader struct {
	rng *rand.Rand
}

func (r randReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r.rng.Uint32())
	}
	return len(p), nil
}

func pick(rng *rand.Rand, values []string) string {
	return values[rng.IntN(len(values))]
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
