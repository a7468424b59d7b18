// Package roles implements the worker agents of the pipeline: the
// architect writes specifications, the builder turns them into build
// manifests, the validator checks the results. Each role is a Behavior
// plus a handler set over the agent runtime.
package roles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Worker is the common surface of the role agents.
type Worker interface {
	runtime.Behavior
	Attach(rt *runtime.Runtime)
}

// New returns the worker for a pipeline role.
func New(role v1.AgentRole, sharedDir string, br *bridge.Client, log *logger.Logger) (Worker, error) {
	switch role {
	case v1.RoleArchitect:
		return NewArchitect(sharedDir, br, log), nil
	case v1.RoleBuilder:
		return NewBuilder(sharedDir, br, log), nil
	case v1.RoleValidator:
		return NewValidator(sharedDir, br, log), nil
	default:
		return nil, fmt.Errorf("no worker for role %q", role)
	}
}

// base carries what every worker needs. The cancelled set is touched
// only from the event loop goroutine.
type base struct {
	runtime.NopBehavior

	rt        *runtime.Runtime
	sharedDir string
	bridge    *bridge.Client
	logger    *logger.Logger
	cancelled map[string]bool
}

func newBase(sharedDir string, br *bridge.Client, log *logger.Logger, component string) base {
	return base{
		sharedDir: sharedDir,
		bridge:    br,
		logger:    log.WithComponent(component),
		cancelled: make(map[string]bool),
	}
}

// markCancelled records a cooperative cancel for a task.
func (b *base) markCancelled(taskID string) {
	b.cancelled[taskID] = true
	b.logger.Info("task cancelled", zap.String("task_id", taskID))
}

// isCancelled reports and clears the cancel mark for a task.
func (b *base) isCancelled(taskID string) bool {
	if b.cancelled[taskID] {
		delete(b.cancelled, taskID)
		return true
	}
	return false
}

// ensureDir creates a subdirectory of the shared dir and returns it.
func (b *base) ensureDir(name string) (string, error) {
	dir := filepath.Join(b.sharedDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", name, err)
	}
	return dir, nil
}

// writeArtifact writes a file atomically: tmp then rename, so partially
// written artifacts are never observed. Re-running a task overwrites the
// same path, keeping handlers idempotent.
func writeArtifact(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// inform sends a completion INFORM back to whoever requested the work.
func (b *base) inform(ctx context.Context, recipient, taskID string, payload map[string]any) error {
	msg := v1.NewMessage(b.rt.AgentID(), recipient, v1.IntentInform, taskID, payload)
	return b.rt.Send(ctx, msg)
}

// recordKnowledge stores a note about produced work in the knowledge
// service. Failures are logged, never fatal: the mesh works without the
// services running.
func (b *base) recordKnowledge(ctx context.Context, content, title string, tags []string) {
	if b.bridge == nil {
		return
	}
	if _, err := b.bridge.StoreKnowledge(ctx, content, title, tags, nil); err != nil {
		b.logger.Warn("failed to store knowledge item", zap.Error(err))
	}
}
