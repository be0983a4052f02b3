package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/cors"

	"github.com/postloom/backend/internal/auth"
	"github.com/postloom/backend/internal/config"
	"github.com/postloom/backend/internal/dashboard"
	"github.com/postloom/backend/internal/execution"
	"github.com/postloom/backend/internal/handlers"
	"github.com/postloom/backend/internal/ledger"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/middleware"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/router"
	"github.com/postloom/backend/internal/scheduler"
)

// deps is what the HTTP surface needs from the running service.
type deps struct {
	store    *stores
	accounts registry.Service
	adapters *platforms.Set
	engine   *scheduler.Engine
	costs    ledger.Service
	enqueuer execution.Enqueuer
	metrics  *metrics.Metrics
	provider string
}

// newHTTPHandler wires the control surface.
// Middleware chain: CORS -> OperatorAuth -> (CostGuard on trigger only) -> handler.
func newHTTPHandler(cfg *config.Config, d deps, logger logging.Logger) (http.Handler, error) {
	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; operator sessions end on restart")
	}
	if cfg.Auth.OperatorPasswordHash == "" && cfg.Auth.OperatorAPIKeySHA256 == "" {
		logger.Warn("No operator password or API key configured; the control API is locked")
	}

	control := &handlers.ControlHandler{
		Scheduler: d.engine,
		Accounts:  d.accounts,
		Adapters:  d.adapters,
		Activity:  d.store.activity,
		Enqueuer:  d.enqueuer,
		Provider:  d.provider,
		Logger:    logger,
		Health: []handlers.HealthCheck{
			{Name: "activity_store", Critical: true, Check: d.store.activity.Ping},
			{Name: "knowledge", Check: knowledgeCheck(d)},
		},
	}

	h := router.Handlers{
		Auth:      auth.NewHandler(authSvc, logger),
		Registry:  registry.NewHandler(d.accounts, d.engine, logger),
		Control:   control,
		Dashboard: dashboard.NewHandler(d.accounts, d.engine, d.store.activity, d.costs, cfg.Safety.DailyCostLimit, logger),
		Metrics:   d.metrics.Handler(),
	}
	apiRouter := router.New(h,
		middleware.OperatorAuth(authSvc, cfg.Auth.OperatorAPIKeySHA256, logger),
		middleware.CostGuard(d.costs, cfg.Safety.DailyCostLimit, logger),
	)

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter), nil
}

// knowledgeCheck reports a degraded service when an account's collection is empty.
func knowledgeCheck(d deps) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, a := range d.accounts.List() {
			n, err := d.store.knowledge.Count(ctx, a.CollectionID)
			if err != nil {
				return fmt.Errorf("collection %s: %w", a.CollectionID, err)
			}
			if n == 0 {
				return fmt.Errorf("collection %s is empty", a.CollectionID)
			}
		}
		return nil
	}
}
