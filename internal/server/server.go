package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velvetclub/velvet/internal/archive"
	"github.com/velvetclub/velvet/internal/config"
	"github.com/velvetclub/velvet/internal/handler"
	"github.com/velvetclub/velvet/internal/middleware"
	"github.com/velvetclub/velvet/internal/possync"
	"github.com/velvetclub/velvet/internal/store"
	"github.com/velvetclub/velvet/internal/tier"
	ws "github.com/velvetclub/velvet/internal/websocket"
)

type Server struct {
	db             *sql.DB
	hub            *ws.Hub
	orchestrator   *possync.Orchestrator
	archiveManager *archive.Manager

	integrationH *handler.IntegrationHandler
	ruleH        *handler.RuleHandler
	tierH        *handler.TierHandler
	webhookH     *handler.WebhookHandler
	archiveH     *handler.ArchiveHandler

	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg config.Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	notifier := ws.NewNotifier(hub)

	ledger := store.NewLedgerStore(db)
	aggregates := store.NewAggregateStore(db, ledger)
	rules := store.NewRuleStore(db)
	states := store.NewTierStateStore(db)
	integrations := store.NewIntegrationStore(db)
	archives := store.NewArchiveStore(db)

	evaluator := tier.NewEvaluator(rules, logger.With("component", "evaluator"))
	machine := tier.NewMachine(states, rules, logger.With("component", "tier"))
	pipeline := possync.NewPipeline(aggregates, evaluator, machine, notifier, logger.With("component", "pipeline"))

	orchestrator := possync.NewOrchestrator(
		cfg.Sync, integrations, ledger, pipeline, nil, notifier,
		logger.With("component", "sync"),
	)
	archiveManager := archive.NewManager(
		cfg.Archive, ledger, archives, nil,
		logger.With("component", "archive"),
	)

	return &Server{
		db:             db,
		hub:            hub,
		orchestrator:   orchestrator,
		archiveManager: archiveManager,
		integrationH:   handler.NewIntegrationHandler(integrations, orchestrator, logger),
		ruleH:          handler.NewRuleHandler(rules, logger),
		tierH:          handler.NewTierHandler(states, aggregates, integrations, pipeline, logger),
		webhookH:       handler.NewWebhookHandler(orchestrator, logger),
		archiveH:       handler.NewArchiveHandler(archiveManager, archives, logger),
		rateLimiter:    middleware.NewRateLimiter(),
		logger:         logger,
	}
}

// Start resumes sync runners for previously connected integrations and begins
// the scheduled archive loop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}
	s.archiveManager.Start(ctx)
	return nil
}

// Stop drains background work. Safe to call once during shutdown.
func (s *Server) Stop() {
	s.orchestrator.Stop()
	s.archiveManager.Stop()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Integrations
	mux.HandleFunc("POST /api/integrations", s.integrationH.Connect)
	mux.HandleFunc("DELETE /api/integrations/{id}", s.integrationH.Disconnect)
	mux.HandleFunc("GET /api/venues/{venue_id}/integrations", s.integrationH.ListByVenue)

	// Spend rules
	mux.HandleFunc("GET /api/venues/{venue_id}/rules", s.ruleH.List)
	mux.HandleFunc("POST /api/venues/{venue_id}/rules", s.ruleH.Create)
	mux.HandleFunc("PUT /api/rules/{id}", s.ruleH.Update)
	mux.HandleFunc("DELETE /api/rules/{id}", s.ruleH.Delete)

	// Patron tier state
	mux.HandleFunc("GET /api/venues/{venue_id}/patrons/{patron_id}/tier", s.tierH.Get)
	mux.HandleFunc("POST /api/venues/{venue_id}/patrons/{patron_id}/recompute", s.tierH.Recompute)
	mux.HandleFunc("DELETE /api/venues/{venue_id}/patrons/{patron_id}/tier", s.tierH.Reset)

	// Ledger exports
	mux.HandleFunc("GET /api/archives", s.archiveH.List)
	mux.HandleFunc("POST /api/archives", s.archiveH.RunNow)
	mux.HandleFunc("GET /api/archives/{id}/download", s.archiveH.Download)

	// Webhook ingest, rate limited per source IP
	mux.HandleFunc("POST /webhooks/pos/{provider}", s.rateLimitedHandler(s.webhookH.Handle))

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.healthHandler)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 120, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
