package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"linkops/internal/config"
	"linkops/internal/engine/openai"
	"linkops/internal/engine/scripted"
	"linkops/internal/generation"
	"linkops/internal/logging"
	"linkops/internal/observability"
	serverApp "linkops/internal/server/app"
	serverHTTP "linkops/internal/server/http"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "linkops-server",
		Short: "Generation session server for the linkops dashboard",
		Long: `linkops-server hosts the asynchronous generation pipeline behind the
linkops dashboard: outline drafts, formatting QA passes, brand briefs and
semantic audits. Clients start sessions over HTTP and follow progress over
SSE or WebSocket, and can reattach to a running session at any time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default searches ~/.linkops/linkops.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.SetLevel(parseLogLevel(cfg.Observability.Logging.Level))
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting linkops server...")
	logger.Info("listen=%s store=%s engine=%s", cfg.Server.Addr(), cfg.Store.Backend, cfg.Engine.Backend)

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store, inputs, err := buildStores(cfg.Store)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg.Engine, logger)
	if err != nil {
		return err
	}

	broadcaster := serverApp.NewEventBroadcaster()

	driver := generation.NewDriver(store, engine, broadcaster, logging.NewComponentLogger("Driver"))
	driver.SetMetrics(metrics)
	driver.SetTracer(tracer)
	manager := generation.NewManager(store, driver, broadcaster, logging.NewComponentLogger("Manager"))
	phases := generation.NewPhaseCoordinator(store, manager, inputs, logging.NewComponentLogger("Phases"))
	coordinator := serverApp.NewCoordinator(manager, phases, broadcaster)

	router := serverHTTP.NewRouter(coordinator, serverHTTP.RouterConfig{
		Debug:       cfg.Server.Debug,
		EnableCORS:  cfg.Server.EnableCORS,
		SnapshotTTL: cfg.Server.SnapshotTTL,
		Tracer:      tracer,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown: %v", err)
	}
	if err := metrics.Shutdown(ctx); err != nil {
		logger.Warn("Metrics shutdown: %v", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Warn("Tracer shutdown: %v", err)
	}

	logger.Info("Server stopped")
	return nil
}

func buildStores(cfg config.StoreConfig) (generation.Store, generation.InputStore, error) {
	switch cfg.Backend {
	case "memory":
		return generation.NewInMemoryStore(), generation.NewInMemoryInputStore(), nil
	case "file":
		dir, err := expandHome(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		store, err := generation.NewFileStore(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		inputs, err := generation.NewFileInputStore(filepath.Join(dir, "inputs"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open input store: %w", err)
		}
		return store, inputs, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildEngine(cfg config.EngineConfig, logger logging.Logger) (generation.Engine, error) {
	switch cfg.Backend {
	case "scripted":
		return scripted.New(cfg.ScriptedDelay), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			logger.Warn("No API key configured, falling back to the scripted demo engine")
			return scripted.New(cfg.ScriptedDelay), nil
		}
		engine, err := openai.New(cfg.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize engine: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

func parseLogLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
