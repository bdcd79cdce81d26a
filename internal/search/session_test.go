package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/events"
)

type fakeFetcher struct {
	mu         sync.Mutex
	queries    []string
	sites      []domain.CallSite
	properties func(ctx context.Context, query string) domain.FetchOutcome
	owners     func(ctx context.Context, query string) domain.FetchOutcome
}

func (f *fakeFetcher) FetchProperties(ctx context.Context, query string, filters domain.FilterSpec, site domain.CallSite) domain.FetchOutcome {
	f.mu.Lock()
	f.queries = append(f.queries, "properties:"+query)
	f.sites = append(f.sites, site)
	fn := f.properties
	f.mu.Unlock()
	if fn == nil {
		return liveOutcome(domain.PropertyRecord{ID: "p-" + query, MarketValue: 500000, Verified: true})
	}
	return fn(ctx, query)
}

func (f *fakeFetcher) FetchOwners(ctx context.Context, query string, filters domain.FilterSpec) domain.FetchOutcome {
	f.mu.Lock()
	f.queries = append(f.queries, "owners:"+query)
	fn := f.owners
	f.mu.Unlock()
	if fn == nil {
		return liveOutcome(domain.PropertyRecord{ID: "o-" + query, MarketValue: 700000, OwnerType: domain.OwnerTypeVerified})
	}
	return fn(ctx, query)
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func liveOutcome(records ...domain.PropertyRecord) domain.FetchOutcome {
	for i := range records {
		records[i].Source = domain.SourceAPI
	}
	return domain.FetchOutcome{Records: records, Source: domain.SourceAPI}
}

type resultLog struct {
	mu     sync.Mutex
	events []events.ResultsReady
	signal chan struct{}
}

func subscribeResults(d *events.Dispatcher) *resultLog {
	log := &resultLog{signal: make(chan struct{}, 16)}
	events.Subscribe(d, events.TopicResultsReady, func(event events.ResultsReady) {
		log.mu.Lock()
		log.events = append(log.events, event)
		log.mu.Unlock()
		log.signal <- struct{}{}
	})
	return log
}

func (l *resultLog) all() []events.ResultsReady {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.ResultsReady(nil), l.events...)
}

func (l *resultLog) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-l.signal:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for results-ready event")
	}
}

func newTestService(fetcher Fetcher, opts ...ServiceOption) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]ServiceOption{WithLogger(logger)}, opts...)
	return NewService(fetcher, events.NewDispatcher(logger), opts...)
}

func TestSearchMergesBranchesPropertiesFirst(t *testing.T) {
	svc := newTestService(&fakeFetcher{})
	defer svc.Close()
	results := subscribeResults(svc.Dispatcher())

	response, sessionID, err := svc.Search(context.Background(), "", domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected generated session id")
	}
	if len(response.Items) != 2 || response.Items[0].ID != "p-oak" || response.Items[1].ID != "o-oak" {
		t.Fatalf("unexpected merge %+v", response.Items)
	}
	if response.Cached || response.Degraded || response.TotalItems != 2 {
		t.Fatalf("unexpected flags %+v", response)
	}
	if len(response.Branches) != 2 || !response.Branches[0].OK || !response.Branches[1].OK {
		t.Fatalf("unexpected branches %+v", response.Branches)
	}
	if got := results.all(); len(got) != 1 || got[0].SessionID != sessionID || len(got[0].Items) != 2 {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestSearchOwnersPanicDoesNotSuppressProperties(t *testing.T) {
	fetcher := &fakeFetcher{
		owners: func(context.Context, string) domain.FetchOutcome { panic("owners exploded") },
	}
	svc := newTestService(fetcher)
	defer svc.Close()

	response, _, err := svc.Search(context.Background(), "s1", domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(response.Items) != 1 || response.Items[0].ID != "p-oak" {
		t.Fatalf("expected property results to survive, got %+v", response.Items)
	}
	if response.Branches[1].OK || response.Branches[1].Error == "" {
		t.Fatalf("expected failed owners branch, got %+v", response.Branches[1])
	}
}

func TestSearchDeduplicatesAcrossBranches(t *testing.T) {
	shared := domain.PropertyRecord{ID: "same", MarketValue: 1}
	fetcher := &fakeFetcher{
		properties: func(context.Context, string) domain.FetchOutcome { return liveOutcome(shared) },
		owners:     func(context.Context, string) domain.FetchOutcome { return liveOutcome(shared) },
	}
	svc := newTestService(fetcher)
	defer svc.Close()

	response, _, _ := svc.Search(context.Background(), "s1", domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit)
	if len(response.Items) != 1 {
		t.Fatalf("expected duplicate removed, got %d items", len(response.Items))
	}
}

func TestSearchServesRepeatFromCache(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher)
	defer svc.Close()
	request := domain.SearchRequest{Query: "oak", SearchType: domain.SearchTypeProperties}

	if _, _, err := svc.Search(context.Background(), "s1", request, domain.CallSiteSubmit); err != nil {
		t.Fatalf("first search: %v", err)
	}
	response, _, err := svc.Search(context.Background(), "s1", request, domain.CallSiteSubmit)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !response.Cached || len(response.Items) != 1 {
		t.Fatalf("expected cached response, got %+v", response)
	}
	if calls := fetcher.calls(); len(calls) != 1 {
		t.Fatalf("expected one fetch, got %v", calls)
	}
	if response.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", response.Generation)
	}
}

func TestSearchCachesPerSession(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher)
	defer svc.Close()
	request := domain.SearchRequest{Query: "oak", SearchType: domain.SearchTypeOwners}

	_, _, _ = svc.Search(context.Background(), "s1", request, domain.CallSiteSubmit)
	response, _, _ := svc.Search(context.Background(), "s2", request, domain.CallSiteSubmit)
	if response.Cached {
		t.Fatal("sessions must not share caches")
	}
}

func TestSearchBlankQueryIsNoOp(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher)
	defer svc.Close()
	results := subscribeResults(svc.Dispatcher())

	response, sessionID, err := svc.Search(context.Background(), "s1", domain.SearchRequest{Query: "   "}, domain.CallSiteSubmit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !response.Skipped || len(response.Items) != 0 {
		t.Fatalf("expected skipped response, got %+v", response)
	}
	session, _ := svc.Lookup(sessionID)
	if len(fetcher.calls()) != 0 || session.Cache().Len() != 0 || len(results.all()) != 0 {
		t.Fatal("blank query must not fetch, cache or publish")
	}
	if session.Generation() != 0 {
		t.Fatalf("blank query must not bump generation, got %d", session.Generation())
	}
}

func TestSearchDiscardsSupersededResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fetcher := &fakeFetcher{
		properties: func(ctx context.Context, query string) domain.FetchOutcome {
			if query == "slow" {
				started <- struct{}{}
				select {
				case <-ctx.Done():
				case <-release:
				}
			}
			return liveOutcome(domain.PropertyRecord{ID: "p-" + query})
		},
	}
	svc := newTestService(fetcher)
	defer svc.Close()
	results := subscribeResults(svc.Dispatcher())
	session := svc.Session("s1")

	slowErr := make(chan error, 1)
	go func() {
		_, err := session.Search(context.Background(), domain.SearchRequest{Query: "slow", SearchType: domain.SearchTypeProperties}, domain.CallSiteTypeahead)
		slowErr <- err
	}()
	<-started

	fast, err := session.Search(context.Background(), domain.SearchRequest{Query: "fast", SearchType: domain.SearchTypeProperties}, domain.CallSiteTypeahead)
	if err != nil {
		t.Fatalf("fast search: %v", err)
	}
	close(release)

	if err := <-slowErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded for stale cycle, got %v", err)
	}
	if fast.Items[0].ID != "p-fast" {
		t.Fatalf("unexpected fast result %+v", fast.Items)
	}
	if keys := session.Cache().Keys(); len(keys) != 1 {
		t.Fatalf("stale cycle must not write the cache, keys=%v", keys)
	}
	got := results.all()
	if len(got) != 1 || got[0].Query != "fast" {
		t.Fatalf("stale cycle must not publish, got %+v", got)
	}
	if items := session.Results(); len(items) != 1 || items[0].ID != "p-fast" {
		t.Fatalf("session results overwritten by stale cycle: %+v", items)
	}
}

func TestSubmitDebouncesToLastRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher, WithDebounce(40*time.Millisecond))
	results := subscribeResults(svc.Dispatcher())
	session := svc.Session("s1")

	for _, query := range []string{"o", "oa", "oak"} {
		if _, err := session.Submit(domain.SearchRequest{Query: query, SearchType: domain.SearchTypeProperties}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	results.wait(t, 2*time.Second)

	calls := fetcher.calls()
	if len(calls) != 1 || calls[0] != "properties:oak" {
		t.Fatalf("expected one trailing-edge fetch for oak, got %v", calls)
	}
	if got := results.all(); got[0].Generation != 3 {
		t.Fatalf("expected generation 3, got %d", got[0].Generation)
	}
	if fetcher.sites[0] != domain.CallSiteTypeahead {
		t.Fatalf("debounced cycles use the typeahead budget, got %q", fetcher.sites[0])
	}
	svc.Close()
}

func TestSearchCancelsPendingSubmit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher, WithDebounce(30*time.Millisecond))
	session := svc.Session("s1")

	if _, err := session.Submit(domain.SearchRequest{Query: "typed", SearchType: domain.SearchTypeProperties}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := session.Search(context.Background(), domain.SearchRequest{Query: "button", SearchType: domain.SearchTypeProperties}, domain.CallSiteSubmit); err != nil {
		t.Fatalf("Search: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	calls := fetcher.calls()
	if len(calls) != 1 || calls[0] != "properties:button" {
		t.Fatalf("pending debounced cycle should have been cancelled, got %v", calls)
	}
	svc.Close()
}

func TestCloseStopsPendingWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher, WithDebounce(time.Hour))
	session := svc.Session("s1")
	if _, err := session.Submit(domain.SearchRequest{Query: "oak"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Close()

	if _, err := session.Submit(domain.SearchRequest{Query: "oak"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := session.Search(context.Background(), domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(fetcher.calls()) != 0 {
		t.Fatal("closed session must not fetch")
	}
}

func TestEmptyFilterResultIsFinal(t *testing.T) {
	fetcher := &fakeFetcher{
		properties: func(context.Context, string) domain.FetchOutcome {
			return domain.FetchOutcome{
				Records: []domain.PropertyRecord{{ID: "fallback-1", MarketValue: 250000, Source: domain.SourceFallback}},
				Source:  domain.SourceFallback,
				Failure: "search api HTTP 500",
			}
		},
	}
	svc := newTestService(fetcher)
	defer svc.Close()
	request := domain.SearchRequest{
		Query:      "123 Main St, San Francisco, CA",
		SearchType: domain.SearchTypeProperties,
		Filters:    domain.FilterSpec{PriceMin: "300000"},
	}

	response, _, err := svc.Search(context.Background(), "s1", request, domain.CallSiteSubmit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(response.Items) != 0 {
		t.Fatalf("expected filter to exclude the synthesized record, got %+v", response.Items)
	}
	if calls := fetcher.calls(); len(calls) != 1 {
		t.Fatalf("empty filter output must not trigger another fetch, got %v", calls)
	}
	if response.Branches[0].Source != domain.SourceFallback || response.Branches[0].OK {
		t.Fatalf("expected branch to disclose fallback, got %+v", response.Branches[0])
	}
}

func TestFocusAndBookmarkPublishCurrentRecords(t *testing.T) {
	svc := newTestService(&fakeFetcher{})
	defer svc.Close()
	var focused, bookmarked []string
	events.Subscribe(svc.Dispatcher(), events.TopicFocusProperty, func(e events.PropertyAction) { focused = append(focused, e.Property.ID) })
	events.Subscribe(svc.Dispatcher(), events.TopicBookmarkProperty, func(e events.PropertyAction) { bookmarked = append(bookmarked, e.Property.ID) })

	session := svc.Session("s1")
	if _, err := session.Search(context.Background(), domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := session.Focus("p-oak"); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	if _, err := session.Bookmark("o-oak"); err != nil {
		t.Fatalf("Bookmark: %v", err)
	}
	if _, err := session.Focus("missing"); !errors.Is(err, ErrUnknownProperty) {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}
	if len(focused) != 1 || focused[0] != "p-oak" || len(bookmarked) != 1 || bookmarked[0] != "o-oak" {
		t.Fatalf("unexpected events focus=%v bookmark=%v", focused, bookmarked)
	}
}

func TestResultsHandlerMaySearchSameSession(t *testing.T) {
	svc := newTestService(&fakeFetcher{})
	defer svc.Close()
	session := svc.Session("reentrant")

	var (
		mu       sync.Mutex
		seen     []events.ResultsReady
		innerErr error
	)
	events.Subscribe(svc.Dispatcher(), events.TopicResultsReady, func(event events.ResultsReady) {
		mu.Lock()
		seen = append(seen, event)
		first := len(seen) == 1
		mu.Unlock()
		if first {
			_, err := session.Search(context.Background(), domain.SearchRequest{Query: "elm"}, domain.CallSiteSubmit)
			mu.Lock()
			innerErr = err
			mu.Unlock()
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := session.Search(context.Background(), domain.SearchRequest{Query: "oak"}, domain.CallSiteSubmit)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outer Search: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("search deadlocked when a handler re-entered the session")
	}

	mu.Lock()
	defer mu.Unlock()
	if innerErr != nil {
		t.Fatalf("inner Search: %v", innerErr)
	}
	if len(seen) != 2 || seen[0].Query != "oak" || seen[1].Query != "elm" {
		t.Fatalf("expected oak then elm, got %+v", seen)
	}
	if seen[0].Generation >= seen[1].Generation {
		t.Fatalf("expected increasing generations, got %d then %d", seen[0].Generation, seen[1].Generation)
	}
}
