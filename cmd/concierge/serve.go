package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"concierge/internal/catalog"
	"concierge/internal/decision"
	"concierge/internal/embedding"
	"concierge/internal/gateway"
	"concierge/internal/logging"
	"concierge/internal/memory"
	"concierge/internal/orchestrator"
	"concierge/internal/projection"
	"concierge/internal/router"
	"concierge/internal/server"
	"concierge/internal/session"
	"concierge/internal/state"
	"concierge/internal/store"
	"concierge/internal/synthesis"
)

const (
	// The routing prompt only ever sees the last three routed domains;
	// sessions idle longer than the TTL are conversations the user has
	// abandoned.
	sessionHistorySize = 3
	sessionIdleTTL     = 45 * time.Minute
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the concierge HTTP server",
	Long: `Starts the OpenAI-compatible endpoint and, when state is enabled, the
SQLite store, decision engine, memory curator, and markdown projection.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override the configured listen port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Server.Validate(); err != nil {
		return err
	}

	gw := gateway.New(cfg.Providers)
	cat, err := catalog.New(cfg.Specialists, cfg.Models.Router)
	if err != nil {
		return fmt.Errorf("failed to build specialist catalog: %w", err)
	}
	rt := router.New(gw, cat, cfg.Models.Router)
	synth := synthesis.New(gw, cat, cfg.API, cfg.Runtime, cfg.Models.Fallbacks)
	sessions := session.NewTracker(sessionHistorySize, sessionIdleTTL)

	var (
		st          *store.Store
		coordinator orchestrator.StateCoordinator
	)
	if cfg.State.Enabled {
		st, err = store.Open(cfg.State.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		if cfg.State.Semantic.Enabled {
			engine, err := embedding.NewEngine(cfg.Embedding, cfg.Providers)
			if err != nil {
				logger.Warn("Embedding engine unavailable; memory dedup degrades to exact slug matches", zap.Error(err))
			} else {
				st.SetEmbeddingEngine(engine)
			}
		}

		coord := state.NewCoordinator(st,
			decision.New(gw, cfg.State, cfg.Models.Router),
			memory.NewCurator(gw, st, cfg.State),
			cfg.State)
		if cfg.State.Projection.Enabled {
			coord.SetChangeListener(projection.NewExporter(st, cfg.State))
		}
		coordinator = coord

		logger.Info("Stateful mode enabled",
			zap.String("database", st.Path()),
			zap.Bool("vector_search", st.VectorSearchAvailable()),
			zap.Bool("projection", cfg.State.Projection.Enabled))
	} else {
		logger.Info("Running stateless; no turn data will be persisted")
	}

	if cfg.Specialists.AutoReload {
		watcher, err := catalog.NewPromptWatcher(cat)
		if err != nil {
			logger.Warn("Prompt watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Prompt watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	orch := orchestrator.New(rt, synth, sessions, coordinator)
	srv := server.New(cfg, orch, st, cat)

	logger.Info("Starting concierge",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("model_id", cfg.API.PublicModelID),
		zap.Int("specialists", len(cat.Specialists())),
		zap.Bool("auth", len(cfg.Server.APIKeys) > 0))
	logging.Boot("serving on %s stateful=%t specialists=%d", cfg.Server.Addr(), cfg.State.Enabled, len(cat.Specialists()))
	return srv.Run(ctx)
}
