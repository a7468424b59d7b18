package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Builder consumes a specification artifact and produces a build
// manifest under SHARED_DIR/builds/.
type Builder struct {
	base
	buildDir string
}

// NewBuilder creates the builder worker.
func NewBuilder(sharedDir string, br *bridge.Client, log *logger.Logger) *Builder {
	return &Builder{base: newBase(sharedDir, br, log, "builder")}
}

// Attach registers the builder's handlers on its runtime.
func (b *Builder) Attach(rt *runtime.Runtime) {
	b.rt = rt
	rt.Handle(v1.IntentRequest, b.handleRequest)
}

// Initialize prepares the build directory.
func (b *Builder) Initialize(ctx context.Context) error {
	dir, err := b.ensureDir("builds")
	if err != nil {
		return err
	}
	b.buildDir = dir
	return nil
}

func (b *Builder) handleRequest(ctx context.Context, msg *v1.Message) error {
	switch msg.PayloadType() {
	case v1.PayloadBuildFromSpec:
		return b.buildFromSpec(ctx, msg)
	case v1.PayloadCancel:
		b.markCancelled(msg.TaskID)
		return nil
	case v1.PayloadPing:
		return nil
	default:
		return fmt.Errorf("builder cannot handle %q", msg.PayloadType())
	}
}

// manifest is the artifact schema the validator consumes.
type manifest struct {
	TaskID   string    `json:"task_id"`
	SpecPath string    `json:"spec_path"`
	Name     string    `json:"name"`
	Outputs  []string  `json:"outputs"`
	BuiltBy  string    `json:"built_by"`
	BuiltAt  time.Time `json:"built_at"`
}

func (b *Builder) buildFromSpec(ctx context.Context, msg *v1.Message) error {
	if b.isCancelled(msg.TaskID) {
		return b.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled before start")
	}

	specPath := msg.PayloadString("spec_path")
	if specPath == "" {
		return fmt.Errorf("build request missing spec_path")
	}
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read specification: %w", err)
	}
	var spec struct {
		Name       string   `json:"name"`
		Components []string `json:"components"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse specification: %w", err)
	}

	if err := b.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateExecuting), "building from "+spec.Name); err != nil {
		b.logger.Warn("status broadcast failed", zap.Error(err))
	}

	outputs := make([]string, 0, len(spec.Components))
	for _, c := range spec.Components {
		outputs = append(outputs, c+".o")
	}
	m := manifest{
		TaskID:   msg.TaskID,
		SpecPath: specPath,
		Name:     spec.Name,
		Outputs:  outputs,
		BuiltBy:  b.rt.AgentID(),
		BuiltAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	buildPath := filepath.Join(b.buildDir, msg.TaskID+".json")
	if err := writeArtifact(buildPath, data); err != nil {
		return err
	}

	if b.isCancelled(msg.TaskID) {
		return b.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled during execution")
	}

	b.recordKnowledge(ctx,
		fmt.Sprintf("build %s produced at %s from %s", spec.Name, buildPath, specPath),
		"build: "+spec.Name,
		[]string{"build", msg.TaskID})

	b.logger.Info("build manifest written",
		zap.String("task_id", msg.TaskID), zap.String("path", buildPath))
	return b.inform(ctx, msg.SenderID, msg.TaskID, map[string]any{
		"type":       v1.PayloadBuildComplete,
		"build_path": buildPath,
		"spec_path":  specPath,
	})
}
