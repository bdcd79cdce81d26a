package attom

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"proptrust/searchservice/internal/providers/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Retry:   common.RetryConfig{MaxAttempts: 1},
		Health:  common.NewHealthTracker(),
	})
}

func TestPropertiesByAddressSplitsAddressLines(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotLine1, gotLine2, gotKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotLine1 = r.URL.Query().Get("address1")
		gotLine2 = r.URL.Query().Get("address2")
		gotKey = r.Header.Get("apikey")
		mu.Unlock()
		_, _ = io.WriteString(w, `{"status":{"code":0,"msg":"SuccessWithResult"},"property":[{"identifier":{"attomId":1},"assessment":{"market":{"mktTtlValue":500000}}}]}`)
	})

	items, err := client.PropertiesByAddress(context.Background(), "4529 Winona Ct, Denver, CO", 5)
	if err != nil {
		t.Fatalf("PropertiesByAddress: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 property, got %d", len(items))
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != expandedPath || gotLine1 != "4529 Winona Ct" || gotLine2 != "Denver, CO" || gotKey != "test-key" {
		t.Fatalf("unexpected request path=%q line1=%q line2=%q key=%q", gotPath, gotLine1, gotLine2, gotKey)
	}
}

func TestFetchTreatsWithoutResultAsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":{"code":1,"msg":"SuccessWithoutResult"},"property":[]}`)
	})
	items, err := client.PropertiesByOwner(context.Background(), "Jane Doe", 5)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty result without error, got %v %v", items, err)
	}
}

func TestFetchReportsStatusErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":{"code":-4,"msg":"Invalid Parameter Combination"}}`)
	})
	if _, err := client.PropertyDetail(context.Background(), "42"); err == nil {
		t.Fatal("expected status error")
	}
}

func TestDisabledClientDoesNotCallUpstream(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if client.Enabled() {
		t.Fatal("client without key should be disabled")
	}
	if _, err := client.PropertiesByAddress(context.Background(), "1 Main St", 5); !errors.Is(err, common.ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestPageSizeBounds(t *testing.T) {
	if pageSize(0) != 10 || pageSize(500) != maxPageSize || pageSize(7) != 7 {
		t.Fatalf("unexpected page sizes %d %d %d", pageSize(0), pageSize(500), pageSize(7))
	}
}
