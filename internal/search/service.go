package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/events"
	"proptrust/searchservice/internal/metrics"
)

const (
	defaultSessionIdleTTL = 30 * time.Minute
	tracerName            = "proptrust/searchservice/search"
)

type sessionConfig struct {
	debounce      time.Duration
	cacheCapacity int
	logger        *slog.Logger
	tracer        trace.Tracer
}

// Service owns the search sessions of every connected client.
type Service struct {
	fetcher    Fetcher
	dispatcher *events.Dispatcher
	cfg        sessionConfig
	idleTTL    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	sweeperRun atomic.Bool
}

type ServiceOption func(*Service)

func WithDebounce(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.cfg.debounce = d
		}
	}
}

func WithCacheCapacity(capacity int) ServiceOption {
	return func(s *Service) {
		if capacity > 0 {
			s.cfg.cacheCapacity = capacity
		}
	}
}

func WithSessionIdleTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.idleTTL = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.cfg.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.cfg.tracer = tracer
		}
	}
}

func NewService(fetcher Fetcher, dispatcher *events.Dispatcher, opts ...ServiceOption) *Service {
	if dispatcher == nil {
		dispatcher = events.NewDispatcher(nil)
	}
	svc := &Service{
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cfg: sessionConfig{
			debounce:      DefaultDebounce,
			cacheCapacity: DefaultCacheCapacity,
			logger:        slog.Default(),
			tracer:        otel.Tracer(tracerName),
		},
		idleTTL:  defaultSessionIdleTTL,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Dispatcher() *events.Dispatcher { return s.dispatcher }

// Session returns the session with the given ID, creating it when needed.
// An empty ID creates a session with a fresh random ID.
func (s *Service) Session(id string) *Session {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		return session
	}
	session := newSession(id, s.fetcher, s.dispatcher, s.cfg)
	s.sessions[id] = session
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return session
}

func (s *Service) Lookup(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrUnknownSession
	}
	return session, nil
}

func (s *Service) Search(ctx context.Context, sessionID string, request domain.SearchRequest, site domain.CallSite) (domain.SearchResponse, string, error) {
	session := s.Session(sessionID)
	response, err := session.Search(ctx, request, site)
	return response, session.ID(), err
}

func (s *Service) Submit(sessionID string, request domain.SearchRequest) (uint64, string, error) {
	session := s.Session(sessionID)
	gen, err := session.Submit(request)
	return gen, session.ID(), err
}

// SessionIDs lists live sessions in lexical order.
func (s *Service) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) CloseSession(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()
	if ok {
		session.Close()
	}
	return ok
}

// Close shuts down every session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// StartBackground runs the idle-session sweeper until ctx is done.
func (s *Service) StartBackground(ctx context.Context) {
	if s.sweeperRun.CompareAndSwap(false, true) {
		go s.runSweeper(ctx)
	}
}

func (s *Service) runSweeper(ctx context.Context) {
	interval := s.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepIdle(now)
		}
	}
}

func (s *Service) sweepIdle(now time.Time) int {
	s.mu.Lock()
	var idle []*Session
	for id, session := range s.sessions {
		if now.Sub(session.idleSince()) >= s.idleTTL {
			idle = append(idle, session)
			delete(s.sessions, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, session := range idle {
		session.Close()
		s.cfg.logger.Debug("closed idle search session", slog.String("session", session.ID()))
	}
	return len(idle)
}
