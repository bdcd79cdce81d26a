package common

import (
	"slices"
	"strings"
	"sync"
	"time"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/metrics"
)

const (
	providerFailureThreshold = 3
	providerBlockBase        = 2 * time.Minute
	providerBlockMax         = 15 * time.Minute
)

// breaker holds the circuit state and running counters of one provider.
type breaker struct {
	info domain.ProviderInfo

	failStreak   int
	openUntil    time.Time
	lastErr      string
	lastOK       time.Time
	lastFail     time.Time
	lastLatency  time.Duration
	lastTimedOut bool
	lastEndpoint string

	requests int64
	failures int64
	timeouts int64
}

func (b *breaker) open(now time.Time) bool {
	return !b.openUntil.IsZero() && !now.After(b.openUntil)
}

// observe folds one request outcome into the breaker and reports whether the
// circuit is open afterwards.
func (b *breaker) observe(endpoint string, err error, latency time.Duration, now time.Time) bool {
	b.requests++
	b.lastEndpoint = strings.TrimSpace(endpoint)
	if latency > 0 {
		b.lastLatency = latency
	}
	b.lastTimedOut = IsTimeoutLikeError(err)
	if b.lastTimedOut {
		b.timeouts++
	}
	if err == nil {
		b.failStreak = 0
		b.openUntil = time.Time{}
		b.lastErr = ""
		b.lastOK = now
		return false
	}
	b.failStreak++
	b.failures++
	b.lastFail = now
	b.lastErr = err.Error()
	if b.failStreak >= providerFailureThreshold {
		b.openUntil = now.Add(blockDuration(b.failStreak))
		return true
	}
	return false
}

func (b *breaker) diagnostics() domain.ProviderDiagnostics {
	d := domain.ProviderDiagnostics{
		Name:                b.info.Name,
		Label:               b.info.Label,
		Kind:                b.info.Kind,
		Enabled:             b.info.Enabled,
		ConsecutiveFailures: b.failStreak,
		LastError:           b.lastErr,
		LastLatencyMS:       b.lastLatency.Milliseconds(),
		LastTimeout:         b.lastTimedOut,
		LastQuery:           b.lastEndpoint,
		TotalRequests:       b.requests,
		TotalFailures:       b.failures,
		TimeoutCount:        b.timeouts,
	}
	d.BlockedUntil = timePtr(b.openUntil)
	d.LastSuccessAt = timePtr(b.lastOK)
	d.LastFailureAt = timePtr(b.lastFail)
	return d
}

// HealthTracker is a per-provider circuit breaker: after three consecutive
// failures a provider is blocked, for longer on each further failure.
type HealthTracker struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{breakers: make(map[string]*breaker)}
}

// breakerLocked returns the breaker for name, creating it on first use.
func (h *HealthTracker) breakerLocked(name string) *breaker {
	b := h.breakers[name]
	if b == nil {
		b = &breaker{info: domain.ProviderInfo{Name: name, Label: name}}
		h.breakers[name] = b
	}
	return b
}

// Register makes a provider visible in diagnostics before its first request.
func (h *HealthTracker) Register(info domain.ProviderInfo) {
	name := providerKey(info.Name)
	if name == "" {
		return
	}
	info.Name = name
	if info.Label == "" {
		info.Label = name
	}

	h.mu.Lock()
	h.breakerLocked(name).info = info
	h.mu.Unlock()
	if info.Enabled {
		metrics.ProviderAvailable.WithLabelValues(name).Set(1)
	}
}

// Blocked reports whether calls to the provider are currently suppressed,
// with the block deadline and the error that opened the circuit.
func (h *HealthTracker) Blocked(providerName string, now time.Time) (bool, time.Time, string) {
	name := providerKey(providerName)
	if h == nil || name == "" {
		return false, time.Time{}, ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.breakers[name]
	if b == nil || !b.open(now) {
		return false, time.Time{}, ""
	}
	return true, b.openUntil, b.lastErr
}

// Record stores the outcome of one provider request.
func (h *HealthTracker) Record(providerName, endpoint string, err error, latency time.Duration, now time.Time) {
	name := providerKey(providerName)
	if h == nil || name == "" {
		return
	}
	h.mu.Lock()
	opened := h.breakerLocked(name).observe(endpoint, err, latency, now)
	h.mu.Unlock()

	if latency > 0 {
		metrics.ProviderRequestDuration.WithLabelValues(name).Observe(latency.Seconds())
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsTimeoutLikeError(err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	metrics.ProviderRequestsTotal.WithLabelValues(name, outcome).Inc()
	switch {
	case err == nil:
		metrics.ProviderAvailable.WithLabelValues(name).Set(1)
	case opened:
		metrics.ProviderAvailable.WithLabelValues(name).Set(0)
	}
}

// Diagnostics lists every registered or observed provider, sorted by name.
func (h *HealthTracker) Diagnostics() []domain.ProviderDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := make([]domain.ProviderDiagnostics, 0, len(h.breakers))
	for _, b := range h.breakers {
		items = append(items, b.diagnostics())
	}
	slices.SortFunc(items, func(a, b domain.ProviderDiagnostics) int {
		return strings.Compare(a.Name, b.Name)
	})
	return items
}

// blockDuration doubles from providerBlockBase per failure past the
// threshold, capped at providerBlockMax.
func blockDuration(failStreak int) time.Duration {
	extra := max(failStreak-providerFailureThreshold, 0)
	d := providerBlockBase
	for ; extra > 0 && d < providerBlockMax; extra-- {
		d *= 2
	}
	return min(d, providerBlockMax)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
