package apihttp

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	"proptrust/searchservice/internal/metrics"
)

// knownRoutes bounds the cardinality of the route metric label.
var knownRoutes = map[string]struct{}{
	"/health":               {},
	"/metrics":              {},
	"/search":               {},
	"/search/typeahead":     {},
	"/search/events":        {},
	"/search/focus":         {},
	"/search/bookmark":      {},
	"/search/details":       {},
	"/api/properties":       {},
	"/api/owners/search":    {},
	"/api/zillow-data":      {},
	"/api/providers/health": {},
}

// statusRecorder captures the status and body size written by a handler.
// It forwards Flush so /search/events can stream through it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.written += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		query := r.URL.Query()
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", routeLabel(r.URL.Path)),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.written),
			slog.Int64("durationMs", time.Since(startedAt).Milliseconds()),
			slog.String("remote", remoteAddr(r)),
		}
		if session := strings.TrimSpace(query.Get("session")); session != "" {
			attrs = append(attrs, slog.String("session", session))
		}
		if q := strings.TrimSpace(query.Get("q")); q != "" {
			attrs = append(attrs, slog.String("q", truncate(q, 80)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(r.URL.Path, rec.status), "http request", attrs...)
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.Error("handler panic",
				slog.Any("panic", recovered),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		startedAt := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		// Stream durations follow client lifetime, not latency.
		if route != "/search/events" {
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(startedAt).Seconds())
		}
	})
}

func routeLabel(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "/other"
}

func requestLogLevel(path string, status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	if status >= http.StatusBadRequest {
		return slog.LevelWarn
	}
	if path == "/health" || path == "/search/typeahead" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// remoteAddr prefers the first X-Forwarded-For hop.
func remoteAddr(r *http.Request) string {
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(forwarded) != "" {
		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// truncate shortens value to at most limit runes.
func truncate(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// rateLimitMiddleware applies token buckets; excess requests get 429.
// The /api/ routes serve the pipeline's own fetches and draw from a separate
// bucket so user traffic cannot starve them. A non-positive rps disables a
// bucket. Probes and event streams bypass both.
func rateLimitMiddleware(user, api rateBudget, next http.Handler) http.Handler {
	userLimiter, apiLimiter := user.limiter(), api.limiter()
	if userLimiter == nil && apiLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var limiter *rate.Limiter
		switch {
		case r.URL.Path == "/health", r.URL.Path == "/metrics", r.URL.Path == "/search/events":
		case strings.HasPrefix(r.URL.Path, "/api/"):
			limiter = apiLimiter
		default:
			limiter = userLimiter
		}
		if limiter != nil && !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateBudget struct {
	rps   float64
	burst int
}

func (b rateBudget) limiter() *rate.Limiter {
	if b.rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.rps), max(b.burst, 1))
}
