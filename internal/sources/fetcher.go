// Package sources fetches property and owner records from the search API and
// normalizes them. Fetches never fail: any upstream problem settles to
// synthesized records whose source tag discloses their provenance.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/metrics"
	"proptrust/searchservice/internal/synth"
)

const (
	DefaultTypeaheadTimeout = 3000 * time.Millisecond
	DefaultSubmitTimeout    = 10000 * time.Millisecond
	DefaultOwnersTimeout    = 2000 * time.Millisecond

	DefaultPropertyLimit = 10
	DefaultOwnerLimit    = 5
	propertiesPerOwner   = 2
	ownerFallbackCount   = 3
	maxResponseBytes     = 1 << 20
	branchProperties     = "properties"
	branchOwners         = "owners"
	branchDetails        = "details"
)

var errUnsuccessful = errors.New("search api reported success=false")

type Config struct {
	BaseURL          string
	HTTPClient       *http.Client
	TypeaheadTimeout time.Duration
	SubmitTimeout    time.Duration
	OwnersTimeout    time.Duration
	PropertyLimit    int
	OwnerLimit       int
	Synthesizer      *synth.Synthesizer
	Logger           *slog.Logger
}

type Fetcher struct {
	baseURL          string
	http             *http.Client
	typeaheadTimeout time.Duration
	submitTimeout    time.Duration
	ownersTimeout    time.Duration
	propertyLimit    int
	ownerLimit       int
	synth            *synth.Synthesizer
	logger           *slog.Logger
}

func New(cfg Config) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	synthesizer := cfg.Synthesizer
	if synthesizer == nil {
		synthesizer = synth.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		baseURL:          strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:             httpClient,
		typeaheadTimeout: durationOr(cfg.TypeaheadTimeout, DefaultTypeaheadTimeout),
		submitTimeout:    durationOr(cfg.SubmitTimeout, DefaultSubmitTimeout),
		ownersTimeout:    durationOr(cfg.OwnersTimeout, DefaultOwnersTimeout),
		propertyLimit:    intOr(cfg.PropertyLimit, DefaultPropertyLimit),
		ownerLimit:       intOr(cfg.OwnerLimit, DefaultOwnerLimit),
		synth:            synthesizer,
		logger:           logger,
	}
}

// TimeoutFor returns the time budget of a call site.
func (f *Fetcher) TimeoutFor(site domain.CallSite) time.Duration {
	switch site {
	case domain.CallSiteSubmit, domain.CallSiteDetails:
		return f.submitTimeout
	case domain.CallSiteOwners:
		return f.ownersTimeout
	default:
		return f.typeaheadTimeout
	}
}

type propertiesPayload struct {
	Success    *bool            `json:"success"`
	Error      string           `json:"error"`
	Source     string           `json:"source"`
	Properties []map[string]any `json:"properties"`
}

type ownersPayload struct {
	Success *bool            `json:"success"`
	Error   string           `json:"error"`
	Source  string           `json:"source"`
	Owners  []map[string]any `json:"owners"`
}

// FetchProperties queries /api/properties within the budget of site.
func (f *Fetcher) FetchProperties(ctx context.Context, query string, filters domain.FilterSpec, site domain.CallSite) domain.FetchOutcome {
	params := url.Values{
		"address": {query},
		"limit":   {strconv.Itoa(f.propertyLimit)},
	}
	addFilterParams(params, filters)
	return f.fetchPropertyList(ctx, branchProperties, "/api/properties", params, query, site)
}

// FetchPropertyDetails queries /api/zillow-data for a single address.
func (f *Fetcher) FetchPropertyDetails(ctx context.Context, address string) domain.FetchOutcome {
	params := url.Values{"address": {address}}
	return f.fetchPropertyList(ctx, branchDetails, "/api/zillow-data", params, address, domain.CallSiteDetails)
}

func (f *Fetcher) fetchPropertyList(ctx context.Context, branch, path string, params url.Values, query string, site domain.CallSite) domain.FetchOutcome {
	startedAt := time.Now()
	var payload propertiesPayload
	err := f.getJSON(ctx, f.TimeoutFor(site), path, params, &payload)
	if err == nil && payload.Success != nil && !*payload.Success {
		err = unsuccessful(payload.Error)
	}

	var outcome domain.FetchOutcome
	switch {
	case err != nil:
		f.logger.Warn("property fetch failed",
			slog.String("branch", branch),
			slog.String("site", string(site)),
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		outcome = domain.FetchOutcome{
			Records: []domain.PropertyRecord{f.synth.Record(query, domain.SourceFallback)},
			Source:  domain.SourceFallback,
			Failure: err.Error(),
		}
	default:
		records := f.normalizeAll(payload.Properties, payload.Source, query, f.propertyLimit)
		if len(records) == 0 {
			f.logger.Info("property fetch returned no records",
				slog.String("branch", branch),
				slog.String("site", string(site)),
				slog.String("query", query),
			)
			outcome = domain.FetchOutcome{
				Records: []domain.PropertyRecord{f.synth.Record(query, domain.SourceMock)},
				Source:  domain.SourceMock,
			}
		} else {
			outcome = domain.FetchOutcome{Records: records, Source: summarizeSource(records)}
		}
	}

	f.observe(branch, outcome, startedAt)
	return outcome
}

// FetchOwners queries /api/owners/search and expands at most two properties per owner.
func (f *Fetcher) FetchOwners(ctx context.Context, query string, filters domain.FilterSpec) domain.FetchOutcome {
	startedAt := time.Now()
	params := url.Values{
		"q":     {query},
		"limit": {strconv.Itoa(f.ownerLimit)},
	}
	addFilterParams(params, filters)
	var payload ownersPayload
	err := f.getJSON(ctx, f.ownersTimeout, "/api/owners/search", params, &payload)
	if err == nil && payload.Success != nil && !*payload.Success {
		err = unsuccessful(payload.Error)
	}

	var outcome domain.FetchOutcome
	switch {
	case err != nil:
		f.logger.Warn("owner fetch failed",
			slog.String("branch", branchOwners),
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		outcome = domain.FetchOutcome{
			Records: f.synth.OwnerRecords(query, ownerFallbackCount, domain.SourceFallback),
			Source:  domain.SourceFallback,
			Failure: err.Error(),
		}
	default:
		records := f.expandOwners(payload, query)
		if len(records) == 0 {
			outcome = domain.FetchOutcome{
				Records: f.synth.OwnerRecords(query, ownerFallbackCount, domain.SourceMock),
				Source:  domain.SourceMock,
			}
		} else {
			outcome = domain.FetchOutcome{Records: records, Source: summarizeSource(records)}
		}
	}

	f.observe(branchOwners, outcome, startedAt)
	return outcome
}

func (f *Fetcher) expandOwners(payload ownersPayload, query string) []domain.PropertyRecord {
	var records []domain.PropertyRecord
	for _, owner := range payload.Owners {
		name := ownerName(owner)
		company, _ := firstString(owner, companyAliases)
		ownerSource, _ := firstString(owner, sourceAliases)
		if ownerSource == "" {
			ownerSource = payload.Source
		}

		properties, _ := owner["properties"].([]any)
		expanded := 0
		for _, item := range properties {
			if expanded == propertiesPerOwner {
				break
			}
			raw, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if name != "" {
				if _, present := firstString(raw, ownerAliases); !present {
					raw["owner"] = name
				}
			}
			if company != "" {
				if _, present := firstString(raw, companyAliases); !present {
					raw["company"] = company
				}
			}
			record := f.complete(raw, ownerSource, query)
			record.OwnerType = domain.OwnerTypeVerified
			records = append(records, record)
			expanded++
		}
	}
	return records
}

func (f *Fetcher) normalizeAll(items []map[string]any, payloadSource, query string, limit int) []domain.PropertyRecord {
	records := make([]domain.PropertyRecord, 0, min(len(items), limit))
	for _, raw := range items {
		if len(records) == limit {
			break
		}
		if raw == nil {
			continue
		}
		records = append(records, f.complete(raw, payloadSource, query))
	}
	return records
}

// complete normalizes one payload and synthesizes whatever it omitted.
// Location gaps are filled from the query before falling back to the synthesizer.
func (f *Fetcher) complete(raw map[string]any, payloadSource, query string) domain.PropertyRecord {
	record, missing := normalizeRecord(raw)
	if _, tagged := firstString(raw, sourceAliases); !tagged && payloadSource != "" {
		record.Source = domain.NormalizeRecordSource(payloadSource)
	}
	if len(missing) == 0 {
		return record
	}

	address, city, state := synth.ParseAddress(query)
	var filled, remaining []string
	for _, field := range missing {
		switch {
		case field == "address" && address != "":
			record.Address = address
		case field == "city" && city != synth.DefaultCity:
			record.City = city
		case field == "state" && strings.Count(query, ",") >= 2:
			record.State = state
		default:
			remaining = append(remaining, field)
			continue
		}
		filled = append(filled, field)
	}
	filled = append(filled, f.synth.Fill(&record, remaining)...)
	record.SynthesizedFields = filled
	if record.Source == domain.SourceAPI && slices.ContainsFunc(filled, isCoreField) {
		record.Source = domain.SourceMock
	}
	f.logger.Debug("provider record completed",
		slog.String("id", record.ID),
		slog.String("detail", describeMissing(filled)),
	)
	return record
}

func (f *Fetcher) getJSON(ctx context.Context, timeout time.Duration, path string, params url.Values, target any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := f.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("search api HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (f *Fetcher) observe(branch string, outcome domain.FetchOutcome, startedAt time.Time) {
	metrics.FetchesTotal.WithLabelValues(branch, string(outcome.Source)).Inc()
	metrics.FetchDuration.WithLabelValues(branch).Observe(time.Since(startedAt).Seconds())
}

// summarizeSource reports the least trustworthy provenance among records.
// addFilterParams forwards active filters so the API may narrow its answer.
// Results are still filtered locally.
func addFilterParams(params url.Values, filters domain.FilterSpec) {
	for name, value := range filters.Map() {
		value = strings.TrimSpace(value)
		if value == "" || (name == domain.FilterVerified && value == domain.VerifiedAll) {
			continue
		}
		params.Set(name, value)
	}
}

// isCoreField names the fields a record cannot invent and still count as live.
func isCoreField(field string) bool {
	return field == "address" || field == "marketValue"
}

func summarizeSource(records []domain.PropertyRecord) domain.RecordSource {
	source := domain.SourceAPI
	for _, record := range records {
		switch record.Source {
		case domain.SourceFallback:
			return domain.SourceFallback
		case domain.SourceMock:
			source = domain.SourceMock
		}
	}
	return source
}

func unsuccessful(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errUnsuccessful
	}
	return fmt.Errorf("%w: %s", errUnsuccessful, message)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func intOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
