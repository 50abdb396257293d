package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/service"
	"github.com/aussiebroadwan/handoff/internal/handoff/store"
	"github.com/aussiebroadwan/handoff/pkg/httpx"
	"github.com/aussiebroadwan/handoff/pkg/ratex"
	"github.com/aussiebroadwan/handoff/pkg/slogx"
)

// Transport-level per-IP budgets. The poll budget is the interesting one:
// a requesting device is expected to poll every second or two for the life
// of one session, so the window allows that comfortably while still cutting
// off scripted scanning.
var (
	CreateLimit = ratex.Policy{MaxHits: 20, Window: time.Minute}
	PollLimit   = ratex.Policy{MaxHits: 120, Window: time.Minute}
	HealthLimit = ratex.Policy{MaxHits: 60, Window: time.Minute}
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	limiter      ratex.Limiter

	store          store.Store
	SessionService *service.SessionService
}

func NewRouter(
	buildVersion string,
	st store.Store,
	limiter ratex.Limiter,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		limiter:      limiter,
		store:        st,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerSessions()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerSessions() {
	h := &SessionHandler{SessionService: r.SessionService}

	// POST /sessions - the service enforces its own per-IP create budget,
	// the transport limit is a coarser backstop.
	r.Mux.Handle("POST /v1/handoff/sessions",
		httpx.Chain(http.HandlerFunc(h.HandleCreate),
			httpx.RateLimitByIP(r.limiter, "http_create", CreateLimit),
		),
	)

	// POST /sessions/exchange - limited inside the service per (IP, session)
	// so approval attempts against one session cannot hide behind many IPs'
	// worth of transport budget.
	r.Mux.Handle("POST /v1/handoff/sessions/exchange",
		http.HandlerFunc(h.HandleExchange),
	)

	// GET /sessions/poll - limited here only; polling is the hot path and
	// never fails for an unauthenticated caller, it just reports a status.
	r.Mux.Handle("GET /v1/handoff/sessions/poll",
		httpx.Chain(http.HandlerFunc(h.HandlePoll),
			httpx.RateLimitByIP(r.limiter, "http_poll", PollLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(r.limiter, "http_health", HealthLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(r.limiter, "http_health", HealthLimit),
		),
	)
}
