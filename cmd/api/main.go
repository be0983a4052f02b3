package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/postloom/backend/internal/activity"
	"github.com/postloom/backend/internal/config"
	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/execution"
	"github.com/postloom/backend/internal/generator"
	"github.com/postloom/backend/internal/knowledge"
	"github.com/postloom/backend/internal/ledger"
	"github.com/postloom/backend/internal/llm"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/poster"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/safety"
	"github.com/postloom/backend/internal/scheduler"
)

func main() {
	config.LoadEnv(nil)
	logger := logging.NewLoggerWithService("postloom")

	cfg, err := config.Load(config.GetEnv("POSTLOOM_CONFIG", "postloom.yaml"))
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Postloom stopped")
	}
	logger.Info("Postloom stopped")
}

// stores bundles the persistence chosen by the database driver.
type stores struct {
	activity  activity.Store
	knowledge knowledge.Store
	pool      *pgxpool.Pool
}

func (s *stores) close() {
	_ = s.activity.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger logging.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
		}
		pg := activity.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s.pool, s.activity = pool, pg
		logger.Info("Connected to PostgreSQL activity store")
	default:
		path := cfg.Database.SQLitePath
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		lite, err := activity.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		s.activity = lite
		logger.WithField("path", path).Info("Opened SQLite activity store")
	}

	switch cfg.Knowledge.Backend {
	case "pgvector":
		s.knowledge = knowledge.NewPGVectorStore(s.pool)
	default:
		mem, err := knowledge.LoadFile(cfg.Knowledge.File)
		if err != nil {
			s.close()
			return nil, err
		}
		s.knowledge = mem
	}
	return s, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger logging.Logger) (llm.Provider, llm.Moderator, error) {
	g := cfg.Generation
	llmCfg := llm.Config{APIKey: g.APIKey, APIURL: g.APIURL, Model: g.Model}

	var base llm.Provider
	switch g.Provider {
	case "gemini":
		p, err := llm.NewGeminiProvider(ctx, llmCfg)
		if err != nil {
			return nil, nil, err
		}
		base = p
	default:
		base = llm.NewOpenAIProvider(llmCfg)
	}
	provider := llm.WithRetry(base, llm.RetryConfig{
		MaxRetries: g.MaxRetries,
		BaseDelay:  g.RetryBaseDelay,
		MaxDelay:   g.RetryMaxDelay,
		Logger:     logger,
	})

	var moderator llm.Moderator
	if cfg.Safety.ModerationEnabled {
		if g.Provider != "openai" {
			logger.Warn("Moderation needs the openai provider; relying on local content rules")
		} else {
			moderator = llm.NewOpenAIModerator(llm.Config{APIKey: g.APIKey, APIURL: g.APIURL, Model: cfg.Safety.ModerationModel})
		}
	}
	return provider, moderator, nil
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	provider, moderator, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	costs := ledger.NewService(st.activity, cfg.Generation.Pricing)

	gate, err := safety.NewGate(ctx, safety.Options{
		Flags:          st.activity,
		Events:         st.activity,
		Spend:          costs,
		Moderator:      moderator,
		DailyCostLimit: cfg.Safety.DailyCostLimit,
		ExtraBlocked:   cfg.Safety.ExtraBlockedWords,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if gate.EmergencyStopped() {
		logger.Warn("Emergency stop is active; no cycles will run until it is cleared")
	}

	adapters := platforms.Build(cfg.Platforms, cfg.Schedule.MinPlatformPostSpacing, logger)

	accounts := registry.NewService(registry.NewRepository(cfg.Accounts.Dir, registry.Limits{
		MaxPersonaLength:  cfg.Accounts.MaxPersonaLength,
		MaxExemplarLength: cfg.Accounts.MaxExemplarLength,
	}), logger)
	if err := accounts.Reload(); err != nil {
		logger.WithError(err).Error("Account directory unreadable; starting with no accounts")
	}
	for _, le := range accounts.LoadErrors() {
		_ = st.activity.RecordEvent(ctx, &models.SystemEvent{
			Kind: models.EventConfigError, Level: "error", Message: le.File + ": " + le.Err,
		})
	}

	gen := generator.New(generator.Options{
		Settings: generator.Settings{
			DedupWindow:     cfg.Generation.DedupWindow,
			SeedCandidates:  cfg.Generation.SeedCandidates,
			ContextChunks:   cfg.Generation.ContextChunks,
			ExemplarSample:  cfg.Generation.ExemplarSample,
			ShortenAttempts: cfg.Generation.ShortenAttempts,
			Temperature:     cfg.Generation.Temperature,
			MaxTokens:       cfg.Generation.MaxTokens,
		},
		Knowledge: st.knowledge,
		History:   st.activity,
		Model:     provider,
		Limiter:   semaphore.NewWeighted(int64(cfg.Generation.MaxModelConcurrency)),
		Limits:    adapters.Limits(models.KnownPlatforms),
		Metrics:   m,
		Logger:    logger,
	})
	pub := poster.New(adapters, gate, st.activity, m, logger)
	runner := cycle.NewRunner(accounts, gen, gate, pub, st.activity, costs, m, logger)

	engine := scheduler.New(scheduler.Config{
		Enabled:         cfg.Schedule.Enabled,
		Interval:        cfg.Schedule.Interval,
		GracePeriod:     cfg.Schedule.GracePeriod,
		MaxCatchUpPosts: cfg.Schedule.MaxCatchUpPosts,
		CatchUpStagger:  cfg.Schedule.CatchUpStagger,
	}, runner, st.activity, accounts, gate, st.activity, logger, scheduler.WithMetrics(m))

	worker := execution.NewTriggerCycleWorker(engine, execution.DefaultSnooze, logger)
	var enqueuer execution.Enqueuer
	var stopQueue func()
	if st.pool != nil {
		client, err := execution.NewRiverClient(ctx, st.pool, worker, cfg.Generation.MaxModelConcurrency)
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		enqueuer = execution.NewRiverEnqueuer(client)
		stopQueue = func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := client.Stop(stopCtx); err != nil {
				logger.WithError(err).Warn("River client did not stop cleanly")
			}
		}
	} else {
		inline := execution.NewInlineEnqueuer(ctx, worker)
		enqueuer = inline
		stopQueue = inline.Wait
	}

	engine.Start(ctx)
	_ = st.activity.RecordEvent(ctx, &models.SystemEvent{
		Kind:    models.EventStartup,
		Message: fmt.Sprintf("started with %d accounts, posting enabled=%t", len(accounts.List()), cfg.Platforms.PostEnabled),
	})

	handler, err := newHTTPHandler(cfg, deps{
		store:    st,
		accounts: accounts,
		adapters: adapters,
		engine:   engine,
		costs:    costs,
		enqueuer: enqueuer,
		metrics:  m,
		provider: provider.Model(),
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	logger.Info("Shutting down")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	engine.Wait()
	stopQueue()
	return nil
}
