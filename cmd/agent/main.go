// Package main is the entry point for a single role agent: architect,
// builder, or validator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent/roles"
	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/transport"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func main() {
	var (
		id         = flag.String("id", "", "agent identity (default <role>-<pid>)")
		role       = flag.String("role", "", "agent role: architect, builder, or validator")
		sharedDir  = flag.String("shared-dir", "", "shared directory override")
		brokerURL  = flag.String("broker-url", "", "broker URL override")
		configPath = flag.String("config", "", "directory containing config.yaml")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *sharedDir != "" {
		cfg.Shared.Dir = *sharedDir
	}
	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}
	if *id != "" {
		cfg.Agent.ID = *id
	}
	if *role != "" {
		cfg.Agent.Role = *role
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	agentRole := v1.AgentRole(strings.ToUpper(cfg.Agent.Role))
	if agentRole == "" {
		return fmt.Errorf("agent role is required (--role or AGENT_ROLE)")
	}
	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = fmt.Sprintf("%s-%d", strings.ToLower(string(agentRole)), os.Getpid())
	}

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

	worker, err := roles.New(agentRole, cfg.Shared.Dir, br, log)
	if err != nil {
		return err
	}

	rt := runtime.New(agentID, agentRole, cfg.Roles[string(agentRole)].Capabilities, tr, worker, runtime.Options{
		ReceiveTimeout: cfg.Runtime.ReceiveTimeoutDuration(),
		IdleThreshold:  cfg.Runtime.IdleThreshold,
		DedupSize:      cfg.Runtime.DedupSize,
		ShutdownGrace:  cfg.Runtime.ShutdownGraceDuration(),
	}, log)
	worker.Attach(rt)

	log.Info("agent starting",
		zap.String("agent_id", agentID), zap.String("role", string(agentRole)))
	return rt.Run(ctx)
}
