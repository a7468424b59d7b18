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

// Validator checks build artifacts and writes a report under
// SHARED_DIR/reports/.
type Validator struct {
	base
	reportDir string
}

// NewValidator creates the validator worker.
func NewValidator(sharedDir string, br *bridge.Client, log *logger.Logger) *Validator {
	return &Validator{base: newBase(sharedDir, br, log, "validator")}
}

// Attach registers the validator's handlers on its runtime.
func (v *Validator) Attach(rt *runtime.Runtime) {
	v.rt = rt
	rt.Handle(v1.IntentRequest, v.handleRequest)
}

// Initialize prepares the report directory.
func (v *Validator) Initialize(ctx context.Context) error {
	dir, err := v.ensureDir("reports")
	if err != nil {
		return err
	}
	v.reportDir = dir
	return nil
}

func (v *Validator) handleRequest(ctx context.Context, msg *v1.Message) error {
	switch msg.PayloadType() {
	case v1.PayloadValidateBuild:
		return v.validateBuild(ctx, msg)
	case v1.PayloadCancel:
		v.markCancelled(msg.TaskID)
		return nil
	case v1.PayloadPing:
		return nil
	default:
		return fmt.Errorf("validator cannot handle %q", msg.PayloadType())
	}
}

type check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type report struct {
	TaskID      string    `json:"task_id"`
	BuildPath   string    `json:"build_path"`
	Passed      bool      `json:"passed"`
	Checks      []check   `json:"checks"`
	ValidatedBy string    `json:"validated_by"`
	ValidatedAt time.Time `json:"validated_at"`
}

func (v *Validator) validateBuild(ctx context.Context, msg *v1.Message) error {
	if v.isCancelled(msg.TaskID) {
		return v.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled before start")
	}

	buildPath := msg.PayloadString("build_path")
	if buildPath == "" {
		return fmt.Errorf("validate request missing build_path")
	}

	if err := v.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateExecuting), "validating "+buildPath); err != nil {
		v.logger.Warn("status broadcast failed", zap.Error(err))
	}

	checks := []check{checkFile("build manifest exists", buildPath)}
	if specPath := msg.PayloadString("spec_path"); specPath != "" {
		checks = append(checks, checkFile("specification exists", specPath))
	}
	if c, ok := checkManifest(buildPath); ok {
		checks = append(checks, c)
	}

	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
			break
		}
	}

	r := report{
		TaskID:      msg.TaskID,
		BuildPath:   buildPath,
		Passed:      passed,
		Checks:      checks,
		ValidatedBy: v.rt.AgentID(),
		ValidatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	reportPath := filepath.Join(v.reportDir, msg.TaskID+".json")
	if err := writeArtifact(reportPath, data); err != nil {
		return err
	}

	if v.isCancelled(msg.TaskID) {
		return v.rt.BroadcastStatus(ctx, msg.TaskID, string(v1.TaskStateCancelled), "cancelled during execution")
	}

	v.recordKnowledge(ctx,
		fmt.Sprintf("validation of %s: passed=%t, report at %s", buildPath, passed, reportPath),
		"validation: "+msg.TaskID,
		[]string{"validation", msg.TaskID})

	v.logger.Info("validation report written",
		zap.String("task_id", msg.TaskID),
		zap.String("path", reportPath),
		zap.Bool("passed", passed))
	return v.inform(ctx, msg.SenderID, msg.TaskID, map[string]any{
		"type":        v1.PayloadValidationComplete,
		"passed":      passed,
		"report_path": reportPath,
	})
}

// checkFile verifies a referenced artifact exists and is non-empty.
func checkFile(name, path string) check {
	info, err := os.Stat(path)
	if err != nil {
		return check{Name: name, Detail: err.Error()}
	}
	if info.Size() == 0 {
		return check{Name: name, Detail: "file is empty"}
	}
	return check{Name: name, Passed: true}
}

// checkManifest parses the manifest and verifies it names outputs.
func checkManifest(buildPath string) (check, bool) {
	raw, err := os.ReadFile(buildPath)
	if err != nil {
		return check{}, false
	}
	var m struct {
		Outputs []string `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return check{Name: "manifest parses", Detail: err.Error()}, true
	}
	if len(m.Outputs) == 0 {
		return check{Name: "manifest has outputs", Detail: "no outputs declared"}, true
	}
	return check{Name: "manifest has outputs", Passed: true}, true
}
