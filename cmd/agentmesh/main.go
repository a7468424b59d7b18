// Package main is the entry point for the agentmesh hub: the three
// reference services plus the ADMIN orchestrator agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/telemetry"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/registry/repository"
	"github.com/agentmesh/agentmesh/internal/services/coordination"
	"github.com/agentmesh/agentmesh/internal/services/knowledge"
	"github.com/agentmesh/agentmesh/internal/services/vector"
	"github.com/agentmesh/agentmesh/internal/transport"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agentmesh hub...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("hub exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("hub stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open registry backend: %w", err)
	}
	reg := registry.NewService(repo, log)
	defer reg.Close()

	// Reference services.
	knowSvc, err := knowledge.NewService(cfg.Services.Knowledge.Dir, log)
	if err != nil {
		return err
	}
	defer knowSvc.Close()

	vecSvc, err := vector.NewService(cfg.Services.Vector.Dir, log)
	if err != nil {
		return err
	}
	defer vecSvc.Close()

	feed := coordination.NewFeed(log)
	defer feed.Close()
	coordSvc, err := coordination.NewService(cfg.Services.Coordination.Dir, feed, log)
	if err != nil {
		return err
	}
	defer coordSvc.Close()

	// Transport and the ADMIN agent.
	tr, err := transport.FromConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	br := bridge.New(
		cfg.Services.Knowledge.URL,
		cfg.Services.Vector.URL,
		cfg.Services.Coordination.URL,
		bridge.Options{}, log)

	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = "orchestrator"
	}
	orch := orchestrator.New(reg, br, orchestrator.Options{
		ScanInterval:   cfg.Runtime.ScanIntervalDuration(),
		StuckThreshold: cfg.Runtime.StuckThresholdDuration(),
		OfflineWindow:  cfg.Runtime.OfflineWindowDuration(),
		Retention:      time.Duration(cfg.Registry.RetentionDays) * 24 * time.Hour,
	}, log)
	rt := runtime.New(agentID, v1.RoleAdmin, cfg.Roles["ADMIN"].Capabilities, tr, orch, runtime.Options{
		ReceiveTimeout: cfg.Runtime.ReceiveTimeoutDuration(),
		IdleThreshold:  cfg.Runtime.IdleThreshold,
		DedupSize:      cfg.Runtime.DedupSize,
		ShutdownGrace:  cfg.Runtime.ShutdownGraceDuration(),
	}, log)
	orch.Attach(rt)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orch.Run(gctx) })
	serveHTTP(g, gctx, log, "knowledge", cfg.Services.Knowledge.Port, knowledge.NewRouter(knowSvc, log))
	serveHTTP(g, gctx, log, "vector", cfg.Services.Vector.Port, vector.NewRouter(vecSvc, log))
	serveHTTP(g, gctx, log, "coordination", cfg.Services.Coordination.Port, coordination.NewRouter(coordSvc, feed, log))

	log.Info("hub running",
		zap.Int("knowledge_port", cfg.Services.Knowledge.Port),
		zap.Int("vector_port", cfg.Services.Vector.Port),
		zap.Int("coordination_port", cfg.Services.Coordination.Port),
		zap.String("registry_backend", cfg.Registry.Backend))

	return g.Wait()
}

// serveHTTP runs one service and shuts it down when the group context
// ends.
func serveHTTP(g *errgroup.Group, ctx context.Context, log *logger.Logger, name string, port int, handler http.Handler) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	g.Go(func() error {
		log.Info("service listening", zap.String("service", name), zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s service: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func openRepository(cfg *config.Config) (repository.Repository, error) {
	switch cfg.Registry.Backend {
	case "postgres":
		return repository.NewPostgres(cfg.Registry.PostgresDSN, 0, 0)
	case "memory":
		return repository.NewMemory(), nil
	default:
		return repository.NewSQLite(cfg.Registry.SQLitePath)
	}
}
