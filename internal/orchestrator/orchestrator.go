// Package orchestrator runs the ADMIN agent: it accepts external task
// submissions, routes work to agents by role, and advances the
// SPECIFICATION -> BUILD -> VALIDATE pipeline as workers report back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/agent/runtime"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/orchestrator/queue"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/registry/repository"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Hub is the subset of the service bridge the orchestrator uses to
// project registry tasks into the coordination hub. Nil disables
// projection; the registry stays authoritative either way.
type Hub interface {
	CreateHubTask(ctx context.Context, t v1.HubTask) (string, error)
	UpdateHubTask(ctx context.Context, id string, status v1.HubTaskStatus, data map[string]any) error
	CompleteHubTask(ctx context.Context, id string, result map[string]any) error
}

// Options tunes the orchestrator's background maintenance.
type Options struct {
	ScanInterval   time.Duration // default 1m
	StuckThreshold time.Duration // default 5m
	OfflineWindow  time.Duration // default 2m
	Retention      time.Duration // terminal-task retention; default 30d
	QueueSize      int           // pending queue bound; <= 0 unbounded
}

func (o *Options) fill() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Minute
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 5 * time.Minute
	}
	if o.OfflineWindow <= 0 {
		o.OfflineWindow = 2 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
}

// Orchestrator is the ADMIN agent.
type Orchestrator struct {
	runtime.NopBehavior

	rt       *runtime.Runtime
	registry *registry.Service
	agents   *Directory
	pending  *queue.TaskQueue
	hub      Hub
	opts     Options
	logger   *logger.Logger

	// registry task id -> hub record id, owned by the event loop.
	hubIDs map[string]string
}

// New wires an orchestrator over its runtime. The runtime must have been
// created with this orchestrator as its Behavior placeholder replaced via
// Attach, so construction happens in two steps: New then Attach.
func New(reg *registry.Service, hub Hub, opts Options, log *logger.Logger) *Orchestrator {
	opts.fill()
	return &Orchestrator{
		registry: reg,
		agents:   NewDirectory(),
		pending:  queue.NewTaskQueue(opts.QueueSize),
		hub:      hub,
		opts:     opts,
		logger:   log.WithComponent("orchestrator"),
		hubIDs:   make(map[string]string),
	}
}

// Attach binds the orchestrator to its runtime and registers handlers.
func (o *Orchestrator) Attach(rt *runtime.Runtime) {
	o.rt = rt
	rt.Handle(v1.IntentRequest, o.handleRequest)
	rt.Handle(v1.IntentInform, o.handleInform)
	rt.Handle(v1.IntentReportStatus, o.handleReportStatus)
	rt.Handle(v1.IntentError, o.handleError)
}

// Agents exposes the directory for status surfaces.
func (o *Orchestrator) Agents() *Directory { return o.agents }

// Run drives the agent loop and the maintenance loop until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.rt == nil {
		return errors.New("orchestrator not attached to a runtime")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.rt.Run(gctx) })
	g.Go(func() error { return o.maintain(gctx) })
	return g.Wait()
}

func (o *Orchestrator) maintain(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.scanStuck(ctx)
			o.sweepOffline()
			o.dispatchPending(ctx)
			if _, err := o.registry.PurgeTerminal(ctx, o.opts.Retention); err != nil {
				o.logger.Warn("terminal purge failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) scanStuck(ctx context.Context) {
	stuck, err := o.registry.StuckTasks(ctx, o.opts.StuckThreshold)
	if err != nil {
		o.logger.Warn("stuck scan failed", zap.Error(err))
		return
	}
	for _, t := range stuck {
		o.logger.Warn("task stuck without progress",
			zap.String("task_id", t.ID),
			zap.String("state", string(t.State)),
			zap.String("assignee", t.Assignee),
			zap.Time("last_update", t.LastUpdateAt))
	}
}

func (o *Orchestrator) sweepOffline() {
	for _, id := range o.agents.Sweep(o.opts.OfflineWindow) {
		o.logger.Warn("agent went offline", zap.String("agent_id", id))
	}
}

// handleRequest dispatches external REQUESTs by payload type.
func (o *Orchestrator) handleRequest(ctx context.Context, msg *v1.Message) error {
	switch msg.PayloadType() {
	case v1.PayloadSubmitTask:
		return o.submitTask(ctx, msg)
	case v1.PayloadGetStatus:
		return o.replyStatus(ctx, msg)
	case v1.PayloadListTasks:
		return o.replyList(ctx, msg)
	case v1.PayloadCancel:
		return o.cancelTask(ctx, msg)
	case v1.PayloadPing:
		return nil
	default:
		return fmt.Errorf("unsupported request type %q", msg.PayloadType())
	}
}

// submitTask creates the first pipeline task and replies with its id.
func (o *Orchestrator) submitTask(ctx context.Context, msg *v1.Message) error {
	spec, _ := msg.Payload["task"].(map[string]any)

	taskType := v1.TaskTypeSpecification
	if s, ok := spec["type"].(string); ok && s != "" {
		parsed := v1.ParseTaskType(s)
		if !parsed.Valid() {
			return fmt.Errorf("unknown task type %q", s)
		}
		taskType = parsed
	}
	priority := v1.PriorityMedium
	if p, ok := spec["priority"].(string); ok && p != "" {
		priority = v1.TaskPriority(p)
	}
	payload := map[string]any{}
	if req, ok := spec["requirements"].(map[string]any); ok {
		payload["requirements"] = req
	}

	task, err := o.registry.Create(ctx, registry.CreateRequest{
		Type:      taskType,
		Payload:   payload,
		Submitter: msg.SenderID,
		Priority:  priority,
	})
	if err != nil {
		return err
	}
	o.projectCreate(ctx, task)

	reply := v1.NewMessage(o.rt.AgentID(), msg.SenderID, v1.IntentInform, task.ID, map[string]any{
		"type":    v1.PayloadTaskSubmitted,
		"task_id": task.ID,
		"state":   string(task.State),
	})
	if err := o.rt.Send(ctx, reply); err != nil {
		return err
	}

	o.enqueue(task)
	o.dispatchPending(ctx)
	return nil
}

func (o *Orchestrator) replyStatus(ctx context.Context, msg *v1.Message) error {
	id := msg.PayloadString("task_id")
	if id == "" {
		id = msg.TaskID
	}
	task, err := o.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	reply := v1.NewMessage(o.rt.AgentID(), msg.SenderID, v1.IntentInform, task.ID, map[string]any{
		"type":     v1.PayloadTaskStatus,
		"task_id":  task.ID,
		"state":    string(task.State),
		"assignee": task.Assignee,
		"history":  historyPayload(task.History),
	})
	return o.rt.Send(ctx, reply)
}

func (o *Orchestrator) replyList(ctx context.Context, msg *v1.Message) error {
	var f repository.Filter
	if s := msg.PayloadString("state"); s != "" {
		f.States = []v1.TaskState{v1.TaskState(s)}
	}
	tasks, err := o.registry.List(ctx, f)
	if err != nil {
		return err
	}
	summaries := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, map[string]any{
			"task_id":  t.ID,
			"type":     string(t.Type),
			"state":    string(t.State),
			"assignee": t.Assignee,
			"priority": string(t.Priority),
		})
	}
	reply := v1.NewMessage(o.rt.AgentID(), msg.SenderID, v1.IntentInform, v1.TaskIDSystem, map[string]any{
		"type":  v1.PayloadTaskStatus,
		"tasks": summaries,
	})
	return o.rt.Send(ctx, reply)
}

// cancelTask cancels in the registry, drops any queued copy, and forwards
// the cancel to the assignee for cooperative shutdown.
func (o *Orchestrator) cancelTask(ctx context.Context, msg *v1.Message) error {
	id := msg.PayloadString("task_id")
	if id == "" {
		id = msg.TaskID
	}
	task, err := o.registry.Cancel(ctx, id, "cancelled by "+msg.SenderID)
	if err != nil {
		return err
	}
	o.pending.Remove(id)
	o.projectUpdate(ctx, task.ID, v1.HubTaskFailed, map[string]any{"note": "cancelled"})

	if task.Assignee != "" {
		fwd := v1.NewMessage(o.rt.AgentID(), task.Assignee, v1.IntentRequest, task.ID, map[string]any{
			"type": v1.PayloadCancel,
		})
		if err := o.rt.Send(ctx, fwd); err != nil {
			o.logger.Warn("failed to forward cancel", zap.Error(err), zap.String("task_id", id))
		}
	}
	return nil
}

// handleInform processes agent announcements and pipeline completions.
func (o *Orchestrator) handleInform(ctx context.Context, msg *v1.Message) error {
	switch msg.PayloadType() {
	case v1.PayloadAgentOnline:
		role := v1.AgentRole(msg.PayloadString("role"))
		o.agents.Register(msg.SenderID, role, stringSlice(msg.Payload["capabilities"]))
		o.logger.Info("agent registered",
			zap.String("agent_id", msg.SenderID), zap.String("role", string(role)))
		o.dispatchPending(ctx)
		return nil
	case v1.PayloadAgentOffline:
		o.agents.SetStatus(msg.SenderID, v1.AgentOffline)
		return nil
	case v1.PayloadSpecificationReady:
		return o.advance(ctx, msg, "specification", "spec_path", v1.TaskTypeBuild)
	case v1.PayloadBuildComplete:
		return o.advance(ctx, msg, "build", "build_path", v1.TaskTypeValidate)
	case v1.PayloadValidationComplete:
		return o.finishValidation(ctx, msg)
	case v1.PayloadError:
		return o.failFromMessage(ctx, msg, msg.PayloadString("error"))
	default:
		o.logger.Debug("ignoring inform", zap.String("payload_type", msg.PayloadType()))
		return nil
	}
}

// completeStage records a stage completion in the registry. A completion
// INFORM can land while the task is still ASSIGNED when the worker's
// EXECUTING status broadcast was lost or reordered, so the task is marked
// executing first and the completion retried. A nil task with no error
// means the task was already terminal and the completion is stale.
func (o *Orchestrator) completeStage(ctx context.Context, taskID string, artifacts []v1.Artifact) (*v1.Task, error) {
	done, err := o.registry.Complete(ctx, taskID, artifacts)
	if err == nil {
		return done, nil
	}
	if !errors.Is(err, registry.ErrInvalidTransition) {
		return nil, err
	}
	task, err := o.registry.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != v1.TaskStateAssigned {
		return nil, nil
	}
	if _, err := o.registry.MarkExecuting(ctx, taskID); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
		return nil, err
	}
	done, err = o.registry.Complete(ctx, taskID, artifacts)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	return done, nil
}

// advance completes the reported stage and creates the next pipeline
// task, carrying the produced artifact forward.
func (o *Orchestrator) advance(ctx context.Context, msg *v1.Message, label, pathKey string, next v1.TaskType) error {
	artifactURI := msg.PayloadString(pathKey)
	done, err := o.completeStage(ctx, msg.TaskID, []v1.Artifact{{Label: label, URI: artifactURI}})
	if err != nil {
		return err
	}
	o.agents.SetStatus(msg.SenderID, v1.AgentAvailable)
	if done == nil {
		// Re-delivered completion for an already-terminal task.
		o.logger.Debug("stale completion", zap.String("task_id", msg.TaskID))
		return nil
	}
	o.projectComplete(ctx, done.ID, map[string]any{pathKey: artifactURI})

	payload := map[string]any{pathKey: artifactURI}
	for k, v := range done.Payload {
		payload[k] = v
	}
	child, err := o.registry.Create(ctx, registry.CreateRequest{
		Type:       next,
		Payload:    payload,
		Submitter:  o.rt.AgentID(),
		ParentTask: done.ID,
		Priority:   done.Priority,
	})
	if err != nil {
		return err
	}
	o.projectCreate(ctx, child)
	o.enqueue(child)
	o.dispatchPending(ctx)
	return nil
}

func (o *Orchestrator) finishValidation(ctx context.Context, msg *v1.Message) error {
	passed, _ := msg.Payload["passed"].(bool)
	report := msg.PayloadString("report_path")
	done, err := o.completeStage(ctx, msg.TaskID, []v1.Artifact{{Label: "report", URI: report}})
	if err != nil {
		return err
	}
	o.agents.SetStatus(msg.SenderID, v1.AgentAvailable)
	if done == nil {
		o.logger.Debug("stale completion", zap.String("task_id", msg.TaskID))
		return nil
	}
	o.projectComplete(ctx, done.ID, map[string]any{"passed": passed, "report_path": report})
	o.logger.Info("pipeline finished",
		zap.String("task_id", done.ID),
		zap.String("parent_task", done.ParentTask),
		zap.Bool("passed", passed))
	return nil
}

// handleReportStatus keeps liveness fresh and mirrors worker progress
// into the registry.
func (o *Orchestrator) handleReportStatus(ctx context.Context, msg *v1.Message) error {
	o.agents.Seen(msg.SenderID)
	if msg.PayloadType() != v1.PayloadTaskStatus {
		return nil
	}
	if msg.TaskID == v1.TaskIDSystem || msg.TaskID == v1.TaskIDPing {
		return nil
	}
	switch v1.TaskState(msg.PayloadString("state")) {
	case v1.TaskStateExecuting:
		if _, err := o.registry.MarkExecuting(ctx, msg.TaskID); err != nil {
			if errors.Is(err, registry.ErrInvalidTransition) || errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			return err
		}
		o.projectUpdate(ctx, msg.TaskID, v1.HubTaskInProgress, map[string]any{
			"note": msg.PayloadString("detail"),
		})
	default:
		if err := o.registry.Touch(ctx, msg.TaskID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}
	}
	return nil
}

// handleError fails the referenced task and frees the reporting agent.
func (o *Orchestrator) handleError(ctx context.Context, msg *v1.Message) error {
	o.agents.SetStatus(msg.SenderID, v1.AgentAvailable)
	return o.failFromMessage(ctx, msg, msg.PayloadString("error"))
}

func (o *Orchestrator) failFromMessage(ctx context.Context, msg *v1.Message, reason string) error {
	if msg.TaskID == "" || msg.TaskID == v1.TaskIDSystem || msg.TaskID == v1.TaskIDPing {
		return nil
	}
	if reason == "" {
		reason = "reported by " + msg.SenderID
	}
	task, err := o.registry.Fail(ctx, msg.TaskID, reason)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) || errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return err
	}
	o.pending.Remove(task.ID)
	o.projectUpdate(ctx, task.ID, v1.HubTaskFailed, map[string]any{"note": reason})
	o.logger.Warn("task failed",
		zap.String("task_id", task.ID), zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) enqueue(task *v1.Task) {
	if err := o.pending.Enqueue(task); err != nil && !errors.Is(err, queue.ErrTaskExists) {
		o.logger.Warn("failed to queue task", zap.Error(err), zap.String("task_id", task.ID))
	}
}

// dispatchPending drains the pending queue in priority-then-FIFO order,
// assigning each ready task to the least-recently-assigned agent of its
// role. Tasks with no capacity or unmet dependencies are requeued.
func (o *Orchestrator) dispatchPending(ctx context.Context) {
	var requeue []*v1.Task
	for {
		qt := o.pending.Dequeue()
		if qt == nil {
			break
		}
		task, err := o.registry.Get(ctx, qt.TaskID)
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				o.logger.Warn("dispatch lookup failed", zap.Error(err), zap.String("task_id", qt.TaskID))
			}
			continue
		}
		if task.State != v1.TaskStatePending {
			continue
		}
		if !o.dispatchOne(ctx, task) {
			requeue = append(requeue, task)
		}
	}
	for _, t := range requeue {
		o.enqueue(t)
	}
}

// dispatchOne assigns and sends one task. False means no capacity yet.
func (o *Orchestrator) dispatchOne(ctx context.Context, task *v1.Task) bool {
	role := v1.RoleForTaskType(task.Type)
	agentID, ok := o.agents.SelectForRole(role)
	if !ok {
		return false
	}

	assigned, err := o.registry.Assign(ctx, task.ID, agentID)
	if err != nil {
		o.agents.SetStatus(agentID, v1.AgentAvailable)
		if errors.Is(err, registry.ErrDependenciesNotMet) {
			return false
		}
		o.logger.Warn("assign failed", zap.Error(err), zap.String("task_id", task.ID))
		return true
	}

	payload := map[string]any{"type": requestTypeFor(task.Type)}
	for k, v := range assigned.Payload {
		payload[k] = v
	}
	req := v1.NewMessage(o.rt.AgentID(), agentID, v1.IntentRequest, assigned.ID, payload)
	if err := o.rt.Send(ctx, req); err != nil {
		o.logger.Error("failed to send work request",
			zap.Error(err), zap.String("task_id", assigned.ID), zap.String("agent_id", agentID))
		o.agents.SetStatus(agentID, v1.AgentAvailable)
		if _, ferr := o.registry.Fail(ctx, assigned.ID, "dispatch failed: "+err.Error()); ferr != nil {
			o.logger.Warn("failed to record dispatch failure", zap.Error(ferr))
		}
		return true
	}
	o.logger.Info("task dispatched",
		zap.String("task_id", assigned.ID),
		zap.String("agent_id", agentID),
		zap.String("type", string(assigned.Type)))
	return true
}

func requestTypeFor(t v1.TaskType) string {
	switch t {
	case v1.TaskTypeSpecification:
		return v1.PayloadCreateSpecification
	case v1.TaskTypeBuild:
		return v1.PayloadBuildFromSpec
	case v1.TaskTypeValidate:
		return v1.PayloadValidateBuild
	default:
		return ""
	}
}

// Hub projection helpers. Projection failures are logged, never fatal:
// the registry remains authoritative.

func (o *Orchestrator) projectCreate(ctx context.Context, task *v1.Task) {
	if o.hub == nil {
		return
	}
	hubID, err := o.hub.CreateHubTask(ctx, v1.HubTask{
		Title:       task.ID,
		Description: fmt.Sprintf("%s pipeline task", task.Type),
		Priority:    string(task.Priority),
		Type:        string(task.Type),
		Status:      v1.HubTaskPending,
	})
	if err != nil {
		o.logger.Warn("hub projection failed", zap.Error(err), zap.String("task_id", task.ID))
		return
	}
	o.hubIDs[task.ID] = hubID
}

func (o *Orchestrator) projectUpdate(ctx context.Context, taskID string, status v1.HubTaskStatus, data map[string]any) {
	if o.hub == nil {
		return
	}
	hubID, ok := o.hubIDs[taskID]
	if !ok {
		return
	}
	if err := o.hub.UpdateHubTask(ctx, hubID, status, data); err != nil {
		o.logger.Warn("hub update failed", zap.Error(err), zap.String("task_id", taskID))
	}
}

func (o *Orchestrator) projectComplete(ctx context.Context, taskID string, result map[string]any) {
	if o.hub == nil {
		return
	}
	hubID, ok := o.hubIDs[taskID]
	if !ok {
		return
	}
	if err := o.hub.CompleteHubTask(ctx, hubID, result); err != nil {
		o.logger.Warn("hub complete failed", zap.Error(err), zap.String("task_id", taskID))
	}
	delete(o.hubIDs, taskID)
}

func historyPayload(entries []v1.HistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"state":     string(e.State),
			"detail":    e.Detail,
		})
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
