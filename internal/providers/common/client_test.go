package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestClientGetSendsHeadersAndReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Name: "attom", Limiter: rate.NewLimiter(rate.Inf, 1)})
	body, err := client.Get(context.Background(), server.URL, http.Header{"apikey": {"secret"}}, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestClientGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Name: "zillow", Retry: fastRetryConfig(2)})
	if _, err := client.Get(context.Background(), server.URL, nil, ""); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestClientGetReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Name: "attom", Retry: fastRetryConfig(2)})
	_, err := client.Get(context.Background(), server.URL, nil, "")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
}

func TestClientGetShortCircuitsWhenBlocked(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	health := NewHealthTracker()
	client := NewClient(ClientConfig{Name: "attom", Health: health, Retry: fastRetryConfig(1)})
	for i := 0; i < providerFailureThreshold; i++ {
		_, _ = client.Get(context.Background(), server.URL, nil, "")
	}
	before := calls.Load()

	_, err := client.Get(context.Background(), server.URL, nil, "")
	if !errors.Is(err, ErrProviderBlocked) {
		t.Fatalf("expected ErrProviderBlocked, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("blocked provider should not be called")
	}
}

func TestClientGetHonoursContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Name: "zillow", Retry: fastRetryConfig(1)})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	startedAt := time.Now()
	if _, err := client.Get(ctx, server.URL, nil, ""); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(startedAt); elapsed > time.Second {
		t.Fatalf("request outlived its deadline: %v", elapsed)
	}
}
