package common

import (
	"fmt"
	"testing"
	"time"

	"proptrust/searchservice/internal/domain"
)

func TestCircuitBreakerExponentialBlock(t *testing.T) {
	h := NewHealthTracker()
	baseTime := time.Now()
	testErr := fmt.Errorf("connection timeout")

	for i := 0; i < providerFailureThreshold; i++ {
		h.Record("attom", "q", testErr, 100*time.Millisecond, baseTime)
	}

	blocked, until, _ := h.Blocked("attom", baseTime)
	if !blocked {
		t.Fatal("expected provider to be blocked after threshold failures")
	}
	if got := until.Sub(baseTime); got != providerBlockBase {
		t.Fatalf("first block: expected %v, got %v", providerBlockBase, got)
	}

	afterBlock := until.Add(time.Second)
	if blocked, _, _ = h.Blocked("attom", afterBlock); blocked {
		t.Fatal("provider should be unblocked after block expires")
	}

	h.Record("attom", "q", testErr, 100*time.Millisecond, afterBlock)
	blocked, until, _ = h.Blocked("attom", afterBlock)
	if !blocked {
		t.Fatal("expected provider to be blocked after additional failure")
	}
	if got := until.Sub(afterBlock); got != 4*time.Minute {
		t.Fatalf("second block: expected 4m, got %v", got)
	}

	h.Record("attom", "q", nil, 50*time.Millisecond, afterBlock.Add(time.Second))
	if blocked, _, _ = h.Blocked("attom", afterBlock.Add(2*time.Second)); blocked {
		t.Fatal("provider should be unblocked after success")
	}
}

func TestDiagnosticsIncludesRegisteredProviders(t *testing.T) {
	h := NewHealthTracker()
	h.Register(domain.ProviderInfo{Name: "Zillow", Label: "Zillow (RapidAPI)", Kind: "valuation", Enabled: true})
	h.Register(domain.ProviderInfo{Name: "attom", Kind: "records"})
	h.Record("attom", "1 Main St", fmt.Errorf("request timeout"), 2*time.Second, time.Now())

	items := h.Diagnostics()
	if len(items) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(items))
	}
	if items[0].Name != "attom" || items[1].Name != "zillow" {
		t.Fatalf("expected sorted names, got %q %q", items[0].Name, items[1].Name)
	}
	if items[0].Label != "attom" {
		t.Fatalf("expected label defaulted to name, got %q", items[0].Label)
	}
	if !items[0].LastTimeout || items[0].TimeoutCount != 1 || items[0].LastQuery != "1 Main St" {
		t.Fatalf("unexpected attom diagnostics: %+v", items[0])
	}
	if !items[1].Enabled || items[1].TotalRequests != 0 {
		t.Fatalf("unexpected zillow diagnostics: %+v", items[1])
	}
}
