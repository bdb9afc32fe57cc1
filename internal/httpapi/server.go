// Package httpapi exposes the ledger over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/R3E-Network/metatx_ledger/internal/errors"
	"github.com/R3E-Network/metatx_ledger/internal/httputil"
	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
	"github.com/R3E-Network/metatx_ledger/internal/metrics"
	"github.com/R3E-Network/metatx_ledger/internal/middleware"
)

// Config wires the server's collaborators. Only Processor is required.
type Config struct {
	ServiceName string
	Processor   *ledger.Processor
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	// Auth enables POST /v1/deposits. Without it deposits are not routed.
	Auth *middleware.AuthMiddleware
	// RateLimiter guards the submission routes.
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORSMiddleware
	// Events serves GET /v1/events.
	Events http.Handler
}

// Server holds the HTTP handlers.
type Server struct {
	processor *ledger.Processor
	logger    *logging.Logger
	router    *mux.Router
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	name := cfg.ServiceName
	if name == "" {
		name = "ledgerd"
	}

	s := &Server{processor: cfg.Processor, logger: logger, router: mux.NewRouter()}
	r := s.router

	r.Use(middleware.LoggingMiddleware(logger))
	if cfg.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(name, cfg.Metrics))
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.CORS != nil {
		r.Use(cfg.CORS.Handler)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/domain", s.handleDomain).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}", s.handleAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}/entries", s.handleEntries).Methods(http.MethodGet)
	if cfg.Events != nil {
		v1.Handle("/events", cfg.Events).Methods(http.MethodGet)
	}

	submit := func(h http.HandlerFunc) http.Handler {
		if cfg.RateLimiter != nil {
			return cfg.RateLimiter.Handler(h)
		}
		return h
	}
	v1.Handle("/instructions", submit(s.handleInstruction)).Methods(http.MethodPost, http.MethodOptions)
	v1.Handle("/withdrawals", submit(s.handleWithdrawal)).Methods(http.MethodPost, http.MethodOptions)
	if cfg.Auth != nil {
		fund := middleware.RequireRole(middleware.RoleFunder)
		v1.Handle("/deposits", cfg.Auth.Handler(middleware.RequireCaller(fund(submit(s.handleDeposit))))).
			Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, svcerrors.NotFound("route"))
	})
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
