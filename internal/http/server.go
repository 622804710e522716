package http

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"vsla/internal/cache"
	"vsla/internal/core"
	"vsla/internal/cycle"
	"vsla/internal/ledger"
	"vsla/internal/log"
	"vsla/internal/middleware/ratelimit"
	"vsla/internal/middleware/security"
	"vsla/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the registry and health surface the API reads directly.
type Store interface {
	Queries() *storage.Queries
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API server.
type Deps struct {
	Store     Store
	Ledger    *ledger.Service
	Cycles    *cycle.Service
	Logger    *log.Logger
	RateLimit ratelimit.Config

	// Defaults applied to new cycles that omit them.
	SharePrice         decimal.Decimal
	AdministrativeCost decimal.Decimal

	SummaryTTL time.Duration
}

type Server struct {
	http.Server
	store  Store
	ledger *ledger.Service
	cycles *cycle.Service
	logger *log.Logger

	sharePrice decimal.Decimal
	adminCost  decimal.Decimal

	rateLimiter *ratelimit.Limiter

	// Summaries are cached per cycle id and dropped on every write.
	summaryLRU *cache.LRUCache[core.CycleSummary]
	summaries  *cache.Loader[core.CycleSummary]
	caches     *cache.Manager

	now          func() time.Time
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentHTTP)
	}
	if deps.SummaryTTL <= 0 {
		deps.SummaryTTL = 30 * time.Second
	}

	lru := cache.NewLRUCache[core.CycleSummary](100, deps.SummaryTTL)
	s := &Server{
		store:       deps.Store,
		ledger:      deps.Ledger,
		cycles:      deps.Cycles,
		logger:      deps.Logger,
		sharePrice:  deps.SharePrice,
		adminCost:   deps.AdministrativeCost,
		rateLimiter: ratelimit.NewLimiter(deps.RateLimit),
		summaryLRU:  lru,
		summaries:   cache.NewLoader[core.CycleSummary](lru),
		caches:      cache.NewManager(),
		now:         time.Now,
	}
	s.caches.Register(lru)
	s.caches.StartCleanup(5 * time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /api/cycles", s.handleListCycles)
	mux.HandleFunc("POST /api/cycles", s.handleCreateCycle)
	mux.HandleFunc("GET /api/cycles/{id}", s.handleCycleSummary)
	mux.HandleFunc("POST /api/cycles/{id}/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /api/cycles/{id}/participation", s.handleParticipation)
	mux.HandleFunc("GET /api/cycles/{id}/shareout", s.handleShareOut)
	mux.HandleFunc("GET /api/cycles/{id}/export", s.handleExport)
	mux.HandleFunc("POST /api/cycles/{id}/calculate", s.cycleTransition(s.cycles.Calculate))
	mux.HandleFunc("POST /api/cycles/{id}/approve", s.cycleTransition(s.cycles.Approve))
	mux.HandleFunc("POST /api/cycles/{id}/process", s.cycleTransition(s.cycles.ProcessPayout))
	mux.HandleFunc("POST /api/cycles/{id}/cancel", s.cycleTransition(s.cycles.Cancel))
	mux.HandleFunc("POST /api/cycles/{id}/archive", s.cycleTransition(s.cycles.Archive))

	mux.HandleFunc("GET /api/members", s.handleListMembers)
	mux.HandleFunc("POST /api/members", s.handleCreateMember)
	mux.HandleFunc("GET /api/meetings", s.handleListMeetings)
	mux.HandleFunc("POST /api/meetings", s.handleCreateMeeting)
	mux.HandleFunc("GET /api/meetings/{id}", s.handleGetMeeting)
	mux.HandleFunc("GET /api/meetings/{id}/entries", s.handleListEntries)
	mux.HandleFunc("POST /api/meetings/{id}/entries", s.handleSubmitEntries)

	mux.HandleFunc("GET /api/entries/{id}", s.handleGetEntry)
	mux.HandleFunc("PATCH /api/entries/{id}", s.handleUpdateEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("POST /api/entries/{id}/approve", s.handleApproveEntry)
	mux.HandleFunc("POST /api/entries/{id}/reject", s.handleRejectEntry)

	var h http.Handler = mux
	h = s.rateLimiter.Middleware(security.ClientIP, s.onRateLimited)(h)
	h = s.withRequestLogging(h)
	h = log.RequestIDMiddleware(func(r *http.Request) string { return r.Header.Get(headerRequestID) })(h)
	h = log.Middleware(s.logger)(h)
	h = withRequestID(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// SetClock overrides the time source used for report timestamps.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Shutdown stops background cleanup and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.caches.Stop()
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

const headerRequestID = "X-Request-ID"

// withRequestID keeps an incoming request id or assigns a new one, and
// echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		sl := log.NewStructuredLogger(log.FromContext(r.Context()))
		sl.LogHTTPEnd(r.Context(), r, rw.statusCode, time.Since(start).Milliseconds(), security.ClientIP(r))
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, security.ClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded, try again later"})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Readiness check failed", log.FieldError, err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// invalidateSummary drops the cached summary of one cycle.
func (s *Server) invalidateSummary(id int64) {
	s.summaries.Forget(strconv.FormatInt(id, 10))
}

// invalidateSummaries drops every cached summary. Ledger writes can change
// the participant count of whichever cycle covers the meeting.
func (s *Server) invalidateSummaries() {
	s.summaryLRU.Purge()
}
