package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"ledgerd/internal/log"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"

	// HeaderRequestID is read from callers and echoed on every response.
	HeaderRequestID = "X-Request-ID"
)

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Middleware assigns request ids and writes the access log.
type Middleware struct {
	extractIP    func(*http.Request) string
	extractOwner func(*http.Request) string
	logger       *log.Logger
	metrics      *Metrics
}

// Metrics tracks request metrics
type Metrics struct {
	TotalRequests   int64
	FailedRequests  int64
	TotalDurationMs int64
}

// NewMiddleware creates a new trace middleware. extractIP and extractOwner
// may be nil.
func NewMiddleware(logger *log.Logger, extractIP, extractOwner func(*http.Request) string) *Middleware {
	return &Middleware{
		extractIP:    extractIP,
		extractOwner: extractOwner,
		logger:       logger,
		metrics:      &Metrics{},
	}
}

// Middleware returns HTTP middleware for request tracing
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if !validRequestID.MatchString(requestID) {
			requestID = GenerateRequestID()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		logger := m.logger.With(log.FieldRequestID, requestID)
		r = r.WithContext(log.NewContext(ctx, logger))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		durationMs := time.Since(start).Milliseconds()
		atomic.AddInt64(&m.metrics.TotalRequests, 1)
		atomic.AddInt64(&m.metrics.TotalDurationMs, durationMs)
		if rw.statusCode >= 500 {
			atomic.AddInt64(&m.metrics.FailedRequests, 1)
		}

		var clientIP, owner string
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}
		if m.extractOwner != nil {
			owner = m.extractOwner(r)
		}
		log.NewStructuredLogger(logger).LogHTTPEnd(r.Context(), r, owner, rw.statusCode, durationMs, clientIP)
	})
}

// responseWriter captures the status code. It forwards Flush so that
// event streams keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetMetrics returns current metrics
func (m *Middleware) GetMetrics() Metrics {
	return Metrics{
		TotalRequests:   atomic.LoadInt64(&m.metrics.TotalRequests),
		FailedRequests:  atomic.LoadInt64(&m.metrics.FailedRequests),
		TotalDurationMs: atomic.LoadInt64(&m.metrics.TotalDurationMs),
	}
}
