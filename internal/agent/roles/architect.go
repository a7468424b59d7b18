package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Architect turns submitted requirements into a specification artifact
// under SHARED_DIR/specifications/.
type Architect struct {
	base
	specDir string
}

// NewArchitect creates the architect worker.
func NewArchitect(sharedDir string, br *bridge.Client, log *logger.Logger) *Architect {
	return &Architect{base: newBase(sharedDir, br, log, "architect")}
}

// Attach registers the architect's handlers on its runtime.
func (a *Architect) Attach(rt *runtime.Runtime) {
	a.rt = rt
	rt.Handle(v1.IntentRequest, a.handleRequest)
}

// Initialize prepares the specification directory.
func (a *Architect) Initialize(ctx context.Context) error {
	dir, err := a.ensureDir("specifications")
	if err != nil {
		return err
	}
	a.specDir = dir
	return nil
}

func (a *Architect) handleRequest(ctx context.Context, msg *v1.Message) error {
	switch msg.PayloadType() {
	case v1.PayloadCreateSpecification:
		return a.createSpecification(ctx, msg)
	case v1.PayloadCancel:
		a.markCancelled(msg.TaskID)
		return nil
	case v1.PayloadPing:
		return nil
	default:
		return fmt.Errorf("architect cannot handle %q", msg.PayloadType())
	}
}

// specification is the artifact schema the builder consumes.
type specification struct {
	TaskID       string         `json:"task_id"`
	Name         string         `json:"name"`
	Requirements map[string]any `json:"requirements"`
	Components   []string       `json:"components"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (a *Architect) createSpecification(ctx context.Context, msg *v1.Message) error {
	if a.isCancelled(msg.TaskID) {
		return a.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled before start")
	}
	if err := a.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateExecuting), "drafting specification"); err != nil {
		a.logger.Warn("status broadcast failed", zap.Error(err))
	}

	requirements, _ := msg.Payload["requirements"].(map[string]any)
	name, _ := requirements["name"].(string)
	if name == "" {
		name = msg.TaskID
	}

	spec := specification{
		TaskID:       msg.TaskID,
		Name:         name,
		Requirements: requirements,
		Components:   componentsFor(requirements),
		CreatedBy:    a.rt.AgentID(),
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode specification: %w", err)
	}

	specPath := filepath.Join(a.specDir, msg.TaskID+".json")
	if err := writeArtifact(specPath, data); err != nil {
		return err
	}

	if a.isCancelled(msg.TaskID) {
		return a.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled during execution")
	}

	a.recordKnowledge(ctx,
		fmt.Sprintf("specification %s produced at %s", name, specPath),
		"specification: "+name,
		[]string{"specification", msg.TaskID})

	a.logger.Info("specification written",
		zap.String("task_id", msg.TaskID), zap.String("path", specPath))
	return a.inform(ctx, msg.SenderID, msg.TaskID, map[string]any{
		"type":      v1.PayloadSpecificationReady,
		"spec_path": specPath,
		"name":      name,
	})
}

// componentsFor derives a deterministic component list from the
// requirements so repeated runs produce identical specifications.
func componentsFor(requirements map[string]any) []string {
	components := []string{"core"}
	if _, ok := requirements["storage"]; ok {
		components = append(components, "storage")
	}
	if _, ok := requirements["api"]; ok {
		components = append(components, "api")
	}
	return components
}
