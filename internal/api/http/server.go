package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/events"
	"proptrust/searchservice/internal/gateway"
	"proptrust/searchservice/internal/search"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type SearchService interface {
	Search(ctx context.Context, sessionID string, request domain.SearchRequest, site domain.CallSite) (domain.SearchResponse, string, error)
	Submit(sessionID string, request domain.SearchRequest) (uint64, string, error)
	Session(id string) *search.Session
	Lookup(id string) (*search.Session, error)
	Dispatcher() *events.Dispatcher
}

type DetailsFetcher interface {
	FetchPropertyDetails(ctx context.Context, address string) domain.FetchOutcome
}

type Gateway interface {
	Properties(ctx context.Context, address string, limit int) gateway.PropertiesResponse
	Owners(ctx context.Context, query string, limit int) gateway.OwnersResponse
	ZillowData(ctx context.Context, address string) gateway.PropertiesResponse
	Diagnostics() []domain.ProviderDiagnostics
}

type Server struct {
	search  SearchService
	details DetailsFetcher
	gateway Gateway
	logger  *slog.Logger

	userRate    rateBudget
	apiRate     rateBudget
	eventBuffer int
}

const (
	maxQueryLength     = 500
	defaultEventBuffer = 32
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithGateway(gw Gateway) ServerOption {
	return func(s *Server) {
		s.gateway = gw
	}
}

func WithDetails(details DetailsFetcher) ServerOption {
	return func(s *Server) {
		s.details = details
	}
}

// WithRateLimit sets the bucket shared by user-facing routes.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.userRate = rateBudget{rps: rps, burst: burst}
	}
}

// WithAPIRateLimit sets the bucket for the /api/ routes. Off by default;
// providers behind those routes have their own limiters.
func WithAPIRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.apiRate = rateBudget{rps: rps, burst: burst}
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:      searchService,
		logger:      slog.Default(),
		userRate:    rateBudget{rps: 50, burst: 100},
		eventBuffer: defaultEventBuffer,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/typeahead", s.handleTypeahead)
	mux.HandleFunc("/search/events", s.handleEvents)
	mux.HandleFunc("/search/focus", s.handlePropertyAction)
	mux.HandleFunc("/search/bookmark", s.handlePropertyAction)
	mux.HandleFunc("/search/details", s.handleDetails)
	mux.HandleFunc("/api/properties", s.handleAPIProperties)
	mux.HandleFunc("/api/owners/search", s.handleAPIOwners)
	mux.HandleFunc("/api/zillow-data", s.handleAPIZillowData)
	mux.HandleFunc("/api/providers/health", s.handleProvidersHealth)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "property-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.userRate, s.apiRate, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type searchPayload struct {
	Session string `json:"session"`
	domain.SearchResponse
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	request, ok := parseSearchRequest(w, r)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))

	response, sessionID, err := s.search.Search(r.Context(), sessionID, request, domain.CallSiteSubmit)
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(request.Query, 80)),
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		writeSearchError(w, err)
		return
	}

	failedBranches := make([]string, 0, len(response.Branches))
	for _, branch := range response.Branches {
		if !branch.OK {
			failedBranches = append(failedBranches, branch.Name)
		}
	}
	if !response.Skipped {
		s.logger.Info("search completed",
			slog.String("query", truncate(request.Query, 80)),
			slog.String("searchType", string(response.SearchType)),
			slog.Int("totalItems", response.TotalItems),
			slog.Bool("cached", response.Cached),
			slog.Bool("degraded", response.Degraded),
			slog.Int64("elapsedMs", response.ElapsedMS),
		)
	}
	if len(failedBranches) > 0 {
		s.logger.Warn("search branches fell back",
			slog.String("query", truncate(request.Query, 80)),
			slog.Any("failedBranches", failedBranches),
		)
	}

	writeJSON(w, http.StatusOK, searchPayload{Session: sessionID, SearchResponse: response})
}

// handleTypeahead schedules a debounced cycle and answers before it runs.
// Results arrive on /search/events.
func (s *Server) handleTypeahead(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/typeahead" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	request, ok := parseSearchRequest(w, r)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if request.Query == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionID,
			"skipped": true,
		})
		return
	}

	generation, sessionID, err := s.search.Submit(sessionID, request)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session":    sessionID,
		"generation": generation,
		"query":      request.Query,
		"searchType": request.SearchType,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/events" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}
	session := s.search.Session(strings.TrimSpace(r.URL.Query().Get("session")))
	sessionID := session.ID()

	type sseEvent struct {
		name    string
		payload any
	}
	queue := make(chan sseEvent, s.eventBuffer)
	enqueue := func(name string, payload any) {
		select {
		case queue <- sseEvent{name: name, payload: payload}:
		default:
			s.logger.Warn("event stream lagging, dropping event",
				slog.String("session", sessionID),
				slog.String("event", name),
			)
		}
	}

	dispatcher := s.search.Dispatcher()
	unsubscribers := []func(){
		events.Subscribe(dispatcher, events.TopicResultsReady, func(event events.ResultsReady) {
			if event.SessionID == sessionID {
				enqueue(events.TopicResultsReady.Name(), event)
			}
		}),
		events.Subscribe(dispatcher, events.TopicFocusProperty, func(event events.PropertyAction) {
			if event.SessionID == sessionID {
				enqueue(events.TopicFocusProperty.Name(), event)
			}
		}),
		events.Subscribe(dispatcher, events.TopicBookmarkProperty, func(event events.PropertyAction) {
			if event.SessionID == sessionID {
				enqueue(events.TopicBookmarkProperty.Name(), event)
			}
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "ready", map[string]any{"session": sessionID}); err != nil {
		return // Client disconnected
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-queue:
			if err := writeSSEEvent(w, flusher, event.name, event.payload); err != nil {
				return // Client disconnected
			}
		}
	}
}

func (s *Server) handlePropertyAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	var payload struct {
		Session    string `json:"session"`
		PropertyID string `json:"propertyId"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	propertyID := strings.TrimSpace(payload.PropertyID)
	if propertyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "propertyId is required")
		return
	}
	session, err := s.search.Lookup(payload.Session)
	if err != nil {
		writeSearchError(w, err)
		return
	}

	var record domain.PropertyRecord
	action := events.TopicFocusProperty.Name()
	if r.URL.Path == "/search/bookmark" {
		action = events.TopicBookmarkProperty.Name()
		record, err = session.Bookmark(propertyID)
	} else {
		record, err = session.Focus(propertyID)
	}
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session.ID(),
		"event":    action,
		"property": record,
	})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/details" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.details == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "details source is not configured")
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}
	if len(address) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "address too long (max 500 characters)")
		return
	}
	outcome := s.details.FetchPropertyDetails(r.Context(), address)
	items := outcome.Records
	if items == nil {
		items = []domain.PropertyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  address,
		"source":   outcome.Source,
		"degraded": !outcome.OK() || domain.HasDegradedItems(items),
		"error":    outcome.Failure,
		"items":    items,
	})
}

func (s *Server) handleAPIProperties(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w, r, "/api/properties") {
		return
	}
	limit, err := parsePositiveInt(r, "limit", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	writeJSON(w, http.StatusOK, s.gateway.Properties(r.Context(), address, limit))
}

func (s *Server) handleAPIOwners(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w, r, "/api/owners/search") {
		return
	}
	limit, err := parsePositiveInt(r, "limit", 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, s.gateway.Owners(r.Context(), query, limit))
}

func (s *Server) handleAPIZillowData(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w, r, "/api/zillow-data") {
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	writeJSON(w, http.StatusOK, s.gateway.ZillowData(r.Context(), address))
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w, r, "/api/providers/health") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.gateway.Diagnostics(),
	})
}

func (s *Server) requireGateway(w http.ResponseWriter, r *http.Request, path string) bool {
	if r.URL.Path != path {
		http.NotFound(w, r)
		return false
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if s.gateway == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "provider gateway is not configured")
		return false
	}
	return true
}

// parseSearchRequest reads q, type and the filter fields. It writes a 400 and
// returns false when the request is unusable.
func parseSearchRequest(w http.ResponseWriter, r *http.Request) (domain.SearchRequest, bool) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return domain.SearchRequest{}, false
	}
	return domain.SearchRequest{
		Query:      query,
		SearchType: domain.NormalizeSearchType(q.Get("type")),
		Filters:    parseFilterSpec(r),
	}, true
}

func parseFilterSpec(r *http.Request) domain.FilterSpec {
	q := r.URL.Query()
	var filters domain.FilterSpec
	for _, name := range domain.FilterNames {
		if value := q.Get(name); value != "" {
			filters.Set(name, value)
		}
	}
	return filters
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, search.ErrSessionClosed):
		writeError(w, http.StatusGone, "session_closed", err.Error())
	case errors.Is(err, search.ErrUnknownSession), errors.Is(err, search.ErrUnknownProperty):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "canceled", "request canceled")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
	}
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
