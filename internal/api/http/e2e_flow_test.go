package apihttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/events"
	"proptrust/searchservice/internal/gateway"
	"proptrust/searchservice/internal/search"
	"proptrust/searchservice/internal/sources"
	"proptrust/searchservice/internal/synth"
)

// newLoopbackServer wires the pipeline against its own /api routes, the same
// way cmd/server does when SEARCH_API_BASE_URL is unset. No provider keys are
// configured, so every lookup is answered by the gateway's mock fallback.
func newLoopbackServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	fetcher := sources.New(sources.Config{
		BaseURL:     ts.URL,
		Synthesizer: synth.NewSeeded(11),
		Logger:      logger,
	})
	svc := search.NewService(fetcher, events.NewDispatcher(logger), search.WithLogger(logger))
	t.Cleanup(svc.Close)

	gw := gateway.New(gateway.Config{Synthesizer: synth.NewSeeded(5), Logger: logger})
	handler = NewServer(svc,
		WithLogger(logger),
		WithGateway(gw),
		WithDetails(fetcher),
		WithRateLimit(0, 0),
	).Handler()
	return ts
}

func getSearch(t *testing.T, ts *httptest.Server, params url.Values) searchPayload {
	t.Helper()
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(ts.URL + "/search?" + params.Encode())
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	var payload searchPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	return payload
}

func TestE2EUnconfiguredProvidersStillYieldRecords(t *testing.T) {
	ts := newLoopbackServer(t)

	payload := getSearch(t, ts, url.Values{
		"q":       {"123 Main St, San Francisco, CA"},
		"type":    {"both"},
		"session": {"e2e"},
	})
	if len(payload.Items) == 0 {
		t.Fatal("expected mock records from the gateway")
	}
	if !payload.Degraded {
		t.Fatal("mock-backed results must be flagged degraded")
	}
	first := payload.Items[0]
	if first.City != "San Francisco" || first.State != "CA" {
		t.Fatalf("expected the property branch first, got %+v", first)
	}
	seen := make(map[string]bool)
	for _, item := range payload.Items {
		if item.Source != domain.SourceMock {
			t.Fatalf("expected mock provenance, got %+v", item)
		}
		if seen[item.ID] {
			t.Fatalf("duplicate id %q in merged results", item.ID)
		}
		seen[item.ID] = true
	}
	if len(payload.Branches) != 2 {
		t.Fatalf("expected both branches reported, got %+v", payload.Branches)
	}
}

func TestE2ERepeatSearchIsCached(t *testing.T) {
	ts := newLoopbackServer(t)
	params := url.Values{
		"q":       {"55 Pine St, Austin, TX"},
		"type":    {"properties"},
		"session": {"repeat"},
	}

	first := getSearch(t, ts, params)
	second := getSearch(t, ts, params)
	if first.Cached || !second.Cached {
		t.Fatalf("expected miss then hit, got %v then %v", first.Cached, second.Cached)
	}
	if len(first.Items) != len(second.Items) || first.Items[0].ID != second.Items[0].ID {
		t.Fatal("cached results differ from the original cycle")
	}
}

func TestE2EDetailsUseValuationRoute(t *testing.T) {
	ts := newLoopbackServer(t)

	resp, err := http.Get(ts.URL + "/search/details?" + url.Values{"address": {"9 Bay Rd, Boston, MA"}}.Encode())
	if err != nil {
		t.Fatalf("details request: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Items []domain.PropertyRecord `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].City != "Boston" {
		t.Fatalf("unexpected details %+v", payload.Items)
	}
}
