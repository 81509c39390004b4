package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"offramp/internal/catalog"
	"offramp/internal/config"
	"offramp/internal/deadletter"
	"offramp/internal/hmacauth"
	"offramp/internal/idempotency"
	"offramp/internal/keylock"
	"offramp/internal/logging"
	"offramp/internal/metrics"
	"offramp/internal/quote"
	"offramp/internal/settlement"
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Catalog     catalog.Catalog
	Quotes      *quote.Engine
	Initiator   *settlement.Initiator
	Saga        *settlement.Saga
	Query       *settlement.Query
	Idempotency idempotency.Store
	Locker      keylock.Locker
	DLQ         *deadletter.Queue
	Metrics     *metrics.Registry

	// Optional readiness probes surfaced by /health.
	EscrowHealth func(context.Context) error
	StoreHealth  func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	payoutHMAC *hmacauth.Verifier
	router     chi.Router
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	if deps.Locker == nil {
		deps.Locker = keylock.NewLocal()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:        cfg.Seed.Secrets.APIHMACSecret,
			AllowUnsigned: cfg.Service.AllowUnsigned,
			MaxSkew:       cfg.Service.HMACClockSkew,
			Logger:        logger,
		},
		payoutHMAC: &hmacauth.Verifier{
			Secret:          cfg.Seed.Secrets.PayoutWebhookSecret,
			AllowUnsigned:   cfg.Service.AllowUnsigned,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Payout-Signature",
			TimestampHeader: "X-Payout-Timestamp",
			Logger:          logger,
		},
		logger: logger,
	}
	s.router = s.routes()

	if cfg.Service.AllowUnsigned && (cfg.Seed.Secrets.APIHMACSecret == "" || cfg.Seed.Secrets.PayoutWebhookSecret == "") {
		logger.Warn("request signing disabled, unsigned settlement commands and payout webhooks are accepted",
			zap.Bool("alert", true),
			zap.Bool("api_signed", cfg.Seed.Secrets.APIHMACSecret != ""),
			zap.Bool("payout_webhook_signed", cfg.Seed.Secrets.PayoutWebhookSecret != ""),
		)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Idempotency-Key", "X-Request-Signature", "X-Request-Timestamp"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/{id}", s.handleGetProvider)
		r.Post("/quotes", s.handleQuote)

		r.Get("/settlements/quarantined", s.handleListQuarantined)
		r.Get("/settlements/{id}", s.handleGetSettlement)
		r.Get("/settlements/{id}/audit", s.handleAudit)
		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/settlements", s.handleInitiate)
			r.Post("/settlements/{id}/lock", s.handleLock)
		})

		r.With(s.payoutHMAC.Middleware).Post("/webhooks/payout", s.handlePayoutWebhook)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	escrowInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.EscrowHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.EscrowHealth(rpcCtx); err != nil {
			escrowInfo.Connected = false
			escrowInfo.Error = err.Error()
			overallHealthy = false
		} else {
			escrowInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.StoreHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.StoreHealth(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth, err := s.deps.DLQ.Depth()
	if err != nil {
		s.logger.Warn("dlq read error", zap.Error(err))
	}
	s.deps.Metrics.SetDLQDepth(queueDepth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		Escrow     any    `json:"escrow"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		Escrow:     escrowInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
