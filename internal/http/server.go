// Package http serves the ledger JSON API and its change streams.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"ledgerd/internal/log"
	"ledgerd/internal/middleware/ratelimit"
	"ledgerd/internal/middleware/security"
	"ledgerd/internal/middleware/trace"
	"ledgerd/internal/services"
	"ledgerd/internal/storage"
)

// Services bundles what the handlers call into.
type Services struct {
	Store      storage.Store
	Ledger     *services.LedgerService
	Accounts   *services.AccountService
	Budgets    *services.BudgetService
	Evaluator  *services.BudgetEvaluator
	Categories *services.CategoryCatalog
	Query      *services.QueryService
	Analysis   *services.AnalysisService
	Auditor    *services.Auditor
}

// NewServices wires every service over one store. publisher may be nil.
func NewServices(store storage.Store, publisher services.EventPublisher, catalog *services.CategoryCatalog) Services {
	return Services{
		Store:      store,
		Ledger:     services.NewLedgerService(store, publisher),
		Accounts:   services.NewAccountService(store),
		Budgets:    services.NewBudgetService(store, catalog),
		Evaluator:  services.NewBudgetEvaluator(store, catalog),
		Categories: catalog,
		Query:      services.NewQueryService(store),
		Analysis:   services.NewAnalysisService(store),
		Auditor:    services.NewAuditor(store, 4),
	}
}

// Options tunes middleware. The zero value uses the defaults.
type Options struct {
	WriteLimit      int
	WriteWindow     time.Duration
	StreamKeepAlive time.Duration
	Logger          *log.Logger
}

type Server struct {
	http.Server
	svc       Services
	limiter   *ratelimit.Limiter
	tracer    *trace.Middleware
	detector  *security.Detector
	keepAlive time.Duration
	now       func() time.Time

	// streams derive from baseCtx so Shutdown can end them; the server
	// would otherwise wait for them forever.
	baseCtx      context.Context
	cancelBase   context.CancelFunc
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, svc Services, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}
	if opts.StreamKeepAlive <= 0 {
		opts.StreamKeepAlive = 15 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc: svc,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Limit:  opts.WriteLimit,
			Window: opts.WriteWindow,
		}),
		detector:   security.NewDetector(),
		keepAlive:  opts.StreamKeepAlive,
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.tracer = trace.NewMiddleware(opts.Logger.WithComponent(log.ComponentHTTP), s.detector.ExtractClientIP, ownerFrom)

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = s.limiter.Middleware(s.limitKey, isWrite, writeRateLimited)(handler)
	handler = s.tracer.Middleware(handler)
	handler = s.detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /v1/provision", s.owned(s.handleProvision))

	mux.HandleFunc("GET /v1/accounts", s.owned(s.handleListAccounts))
	mux.HandleFunc("POST /v1/accounts", s.owned(s.handleCreateAccount))
	mux.HandleFunc("GET /v1/accounts/{id}", s.owned(s.handleGetAccount))
	mux.HandleFunc("PATCH /v1/accounts/{id}", s.owned(s.handleUpdateAccount))
	mux.HandleFunc("DELETE /v1/accounts/{id}", s.owned(s.handleDeleteAccount))

	mux.HandleFunc("GET /v1/transactions", s.owned(s.handleListTransactions))
	mux.HandleFunc("POST /v1/transactions", s.owned(s.handleRecordTransaction))
	mux.HandleFunc("GET /v1/transactions/{id}", s.owned(s.handleGetTransaction))
	mux.HandleFunc("DELETE /v1/transactions/{id}", s.owned(s.handleDeleteTransaction))

	mux.HandleFunc("GET /v1/summary", s.owned(s.handleSummary))

	mux.HandleFunc("GET /v1/budgets", s.owned(s.handleListBudgets))
	mux.HandleFunc("POST /v1/budgets", s.owned(s.handleCreateBudget))
	mux.HandleFunc("GET /v1/budgets/evaluations", s.owned(s.handleEvaluateBudgets))
	mux.HandleFunc("GET /v1/budgets/{id}", s.owned(s.handleGetBudget))
	mux.HandleFunc("PUT /v1/budgets/{id}", s.owned(s.handleUpdateBudget))
	mux.HandleFunc("DELETE /v1/budgets/{id}", s.owned(s.handleDeleteBudget))
	mux.HandleFunc("GET /v1/budgets/{id}/evaluation", s.owned(s.handleEvaluateBudget))

	mux.HandleFunc("GET /v1/categories", s.owned(s.handleListCategories))
	mux.HandleFunc("POST /v1/categories", s.owned(s.handleCreateCategory))
	mux.HandleFunc("PATCH /v1/categories/{id}", s.owned(s.handleUpdateCategory))
	mux.HandleFunc("DELETE /v1/categories/{id}", s.owned(s.handleDeleteCategory))

	mux.HandleFunc("GET /v1/analysis", s.owned(s.handleAnalysis))
	mux.HandleFunc("GET /v1/audit", s.owned(s.handleAudit))

	mux.HandleFunc("GET /v1/stream/{collection}", s.owned(s.handleStream))
}

// owned rejects requests without an owner before calling h.
func (s *Server) owned(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFrom(r)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:     "missing or malformed " + HeaderOwnerID + " header",
				RequestID: trace.GetRequestID(r.Context()),
			})
			return
		}
		h(w, r, owner)
	}
}

func (s *Server) limitKey(r *http.Request) string {
	if owner := ownerFrom(r); owner != "" {
		return "owner:" + owner
	}
	return "ip:" + s.detector.ExtractClientIP(r)
}

func isWrite(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	slog.WarnContext(r.Context(), "Rate limit exceeded",
		"method", r.Method,
		"path", r.URL.Path,
		"owner_id", ownerFrom(r))
	w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:     "rate limit exceeded",
		RequestID: trace.GetRequestID(r.Context()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the ledger store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.svc.Store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "Readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "store": "ok"})
}

// Shutdown ends open streams, stops the limiter and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.cancelBase()
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
