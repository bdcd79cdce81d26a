package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/events"
	"proptrust/searchservice/internal/metrics"
)

var (
	ErrSuperseded      = errors.New("search superseded by a newer request")
	ErrSessionClosed   = errors.New("search session closed")
	ErrUnknownSession  = errors.New("unknown search session")
	ErrUnknownProperty = errors.New("property not in current results")
)

// Fetcher never returns errors: failures settle to synthesized records.
type Fetcher interface {
	FetchProperties(ctx context.Context, query string, filters domain.FilterSpec, site domain.CallSite) domain.FetchOutcome
	FetchOwners(ctx context.Context, query string, filters domain.FilterSpec) domain.FetchOutcome
}

const DefaultDebounce = 300 * time.Millisecond

// Session is one user's search pipeline. Every new search bumps the
// generation; a cycle only writes the cache and publishes when its
// generation is still current once its fetches settle.
type Session struct {
	id         string
	fetcher    Fetcher
	dispatcher *events.Dispatcher
	cache      *ResultCache
	debounce   time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	generation  uint64
	cancel      context.CancelFunc
	timer       *time.Timer
	closed      bool
	lastActive  time.Time
	lastFilters domain.FilterSpec
	lastItems   []domain.PropertyRecord
	pending     sync.WaitGroup

	// outbox holds committed results in generation order. One caller at a
	// time drains it, outside mu, so handlers may re-enter the session.
	outbox   []events.ResultsReady
	draining bool
}

func newSession(id string, fetcher Fetcher, dispatcher *events.Dispatcher, cfg sessionConfig) *Session {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	debounce := cfg.debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Session{
		id:         id,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cache:      NewResultCache(cfg.cacheCapacity),
		debounce:   debounce,
		logger:     cfg.logger.With(slog.String("session", id)),
		tracer:     cfg.tracer,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		lastActive: time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Cache() *ResultCache { return s.cache }

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) LastFilters() domain.FilterSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFilters
}

// Results returns a copy of the most recently delivered result list.
func (s *Session) Results() []domain.PropertyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneRecords(s.lastItems)
}

// Search runs a cycle immediately. Any pending debounced cycle or in-flight
// cycle of this session is superseded.
func (s *Session) Search(ctx context.Context, request domain.SearchRequest, site domain.CallSite) (domain.SearchResponse, error) {
	normalized, ok := normalizeRequest(request)
	if !ok {
		return domain.SearchResponse{
			SearchType: domain.NormalizeSearchType(string(request.SearchType)),
			Items:      []domain.PropertyRecord{},
			Skipped:    true,
		}, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SearchResponse{}, ErrSessionClosed
	}
	gen := s.supersedeLocked()
	cycleCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer s.finishCycle(gen, cancel)
	return s.run(cycleCtx, gen, normalized, site)
}

// Submit schedules a cycle after the debounce interval. A later Submit or
// Search before it fires replaces it. The result is delivered only through
// the results-ready topic. It returns the generation assigned to the cycle.
func (s *Session) Submit(request domain.SearchRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	gen := s.supersedeLocked()
	s.pending.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.pending.Done()
		s.fire(gen, request)
	})
	return gen, nil
}

// Close cancels pending and in-flight work and waits for debounced cycles to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.baseCancel()
	s.pending.Wait()
}

// Focus publishes a focus-property event for a record from the current results.
func (s *Session) Focus(propertyID string) (domain.PropertyRecord, error) {
	return s.publishAction(events.TopicFocusProperty, propertyID)
}

// Bookmark publishes a bookmark-property event for a record from the current results.
func (s *Session) Bookmark(propertyID string) (domain.PropertyRecord, error) {
	return s.publishAction(events.TopicBookmarkProperty, propertyID)
}

func (s *Session) publishAction(topic events.Topic[events.PropertyAction], propertyID string) (domain.PropertyRecord, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.PropertyRecord{}, ErrSessionClosed
	}
	s.lastActive = time.Now()
	var (
		record domain.PropertyRecord
		found  bool
	)
	for _, item := range s.lastItems {
		if item.ID == propertyID {
			record = item.Clone()
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return domain.PropertyRecord{}, fmt.Errorf("%w: %s", ErrUnknownProperty, propertyID)
	}
	events.Publish(s.dispatcher, topic, events.PropertyAction{SessionID: s.id, Property: record})
	return record, nil
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) supersedeLocked() uint64 {
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.lastActive = time.Now()
	return s.generation
}

func (s *Session) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	if s.timer.Stop() {
		s.pending.Done()
	}
	s.timer = nil
}

func (s *Session) fire(gen uint64, request domain.SearchRequest) {
	normalized, ok := normalizeRequest(request)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	cycleCtx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.mu.Unlock()

	defer s.finishCycle(gen, cancel)
	if _, err := s.run(cycleCtx, gen, normalized, domain.CallSiteTypeahead); err != nil && !errors.Is(err, ErrSuperseded) {
		s.logger.Debug("debounced search ended", slog.String("query", normalized.query), slog.String("error", err.Error()))
	}
}

func (s *Session) finishCycle(gen uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.generation == gen {
		s.cancel = nil
	}
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, gen uint64, query normalizedQuery, site domain.CallSite) (domain.SearchResponse, error) {
	startedAt := time.Now()
	ctx, span := s.tracer.Start(ctx, "search.cycle", trace.WithAttributes(
		attribute.String("search.query", query.query),
		attribute.String("search.type", string(query.searchType)),
		attribute.String("search.site", string(site)),
		attribute.Int64("search.generation", int64(gen)),
	))
	defer span.End()

	response := domain.SearchResponse{
		Query:      query.query,
		SearchType: query.searchType,
		Generation: gen,
	}

	items, cached := s.cache.Get(query.cacheKey)
	if !cached {
		var branches []domain.BranchStatus
		items, branches = s.fanOut(ctx, query, site)
		items = ApplyFilters(items, query.filters)
		response.Branches = branches
	}
	if items == nil {
		items = []domain.PropertyRecord{}
	}
	response.Items = items
	response.TotalItems = len(items)
	response.Cached = cached
	response.Degraded = domain.HasDegradedItems(items)
	response.ElapsedMS = time.Since(startedAt).Milliseconds()
	span.SetAttributes(
		attribute.Bool("search.cached", cached),
		attribute.Int("search.items", len(items)),
	)

	if err := s.deliver(ctx, gen, query, response); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.SearchResponse{}, err
	}
	return response, nil
}

func (s *Session) deliver(ctx context.Context, gen uint64, query normalizedQuery, response domain.SearchResponse) error {
	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		metrics.SupersededTotal.Inc()
		return ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !response.Cached {
		s.cache.Put(query.cacheKey, response.Items)
	}
	s.lastFilters = query.filters
	s.lastItems = domain.CloneRecords(response.Items)
	s.outbox = append(s.outbox, events.ResultsReady{
		SessionID:  s.id,
		Generation: gen,
		Query:      query.query,
		SearchType: query.searchType,
		Items:      domain.CloneRecords(response.Items),
		Cached:     response.Cached,
		Degraded:   response.Degraded,
	})
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	s.drainOutbox()
	return nil
}

// drainOutbox publishes queued results until the outbox is empty. Results
// committed by a handler during a publish are sent after that publish returns.
func (s *Session) drainOutbox() {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.mu.Unlock()

		events.Publish(s.dispatcher, events.TopicResultsReady, next)
	}
}

type branchResult struct {
	records []domain.PropertyRecord
	status  domain.BranchStatus
}

// fanOut runs each sub-search concurrently. A branch that panics is recorded
// as failed and contributes no records; it never affects the other branch.
func (s *Session) fanOut(ctx context.Context, query normalizedQuery, site domain.CallSite) ([]domain.PropertyRecord, []domain.BranchStatus) {
	results := make([]branchResult, len(query.branches))
	var wg sync.WaitGroup
	for i, branch := range query.branches {
		wg.Add(1)
		go func(index int, branch Branch) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("search branch panic",
						slog.String("branch", string(branch)),
						slog.String("panic", fmt.Sprint(r)),
					)
					results[index] = branchResult{status: domain.BranchStatus{
						Name:  string(branch),
						Error: fmt.Sprintf("panic: %v", r),
					}}
				}
			}()
			results[index] = s.fetchBranch(ctx, branch, query, site)
		}(i, branch)
	}
	wg.Wait()

	merged := make([]domain.PropertyRecord, 0)
	seen := make(map[string]struct{})
	statuses := make([]domain.BranchStatus, 0, len(results))
	for _, result := range results {
		statuses = append(statuses, result.status)
		for _, record := range result.records {
			if record.ID != "" {
				if _, dup := seen[record.ID]; dup {
					continue
				}
				seen[record.ID] = struct{}{}
			}
			merged = append(merged, record)
		}
	}
	return merged, statuses
}

func (s *Session) fetchBranch(ctx context.Context, branch Branch, query normalizedQuery, site domain.CallSite) branchResult {
	var outcome domain.FetchOutcome
	switch branch {
	case BranchOwners:
		outcome = s.fetcher.FetchOwners(ctx, query.query, query.filters)
	default:
		outcome = s.fetcher.FetchProperties(ctx, query.query, query.filters, site)
	}
	return branchResult{
		records: outcome.Records,
		status: domain.BranchStatus{
			Name:   string(branch),
			OK:     outcome.OK(),
			Count:  len(outcome.Records),
			Source: outcome.Source,
			Error:  outcome.Failure,
		},
	}
}
