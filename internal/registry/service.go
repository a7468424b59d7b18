// Package registry is the authoritative store for tasks. Every state
// change passes through the Service so the lifecycle invariants are
// enforced in one place: valid transitions only, history on every
// transition, terminal states frozen, dependencies gating assignment.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/registry/repository"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

var (
	// ErrInvalidTransition is returned for any transition not in the
	// state machine. The task is left untouched (no history entry).
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrDependenciesNotMet rejects assignment while any dependency is
	// not COMPLETED.
	ErrDependenciesNotMet = errors.New("dependencies not met")
	// ErrDependencyCycle rejects creation of a task whose dependency
	// closure would include itself.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrUnknownDependency rejects creation referencing missing tasks.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrNotFound aliases the repository sentinel.
	ErrNotFound = repository.ErrNotFound
)

// CreateRequest carries everything Create needs.
type CreateRequest struct {
	Type         v1.TaskType
	Payload      map[string]any
	Submitter    string
	ParentTask   string
	Dependencies []string
	Priority     v1.TaskPriority
}

// Service owns all task mutations. Concurrent transition attempts are
// linearized behind one mutex; the losing attempt sees a deterministic
// rejection.
type Service struct {
	mu     sync.Mutex
	repo   repository.Repository
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a registry service over the given repository.
func NewService(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithComponent("registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. For tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// newTaskID builds a human-meaningful, timestamp-based id.
func (s *Service) newTaskID(t v1.TaskType) string {
	stamp := s.now().Format("20060102-150405")
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("task-%s-%s-%s", strings.ToLower(string(t)), stamp, suffix)
}

// Create records a new task in PENDING.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*v1.Task, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = v1.PriorityMedium
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDependencies(ctx, req.Dependencies); err != nil {
		return nil, err
	}

	now := s.now()
	task := &v1.Task{
		ID:           s.newTaskID(req.Type),
		Type:         req.Type,
		State:        v1.TaskStatePending,
		ParentTask:   req.ParentTask,
		Dependencies: req.Dependencies,
		Priority:     req.Priority,
		Submitter:    req.Submitter,
		Payload:      req.Payload,
		CreatedAt:    now,
		LastUpdateAt: now,
		History: []v1.HistoryEntry{{
			Timestamp: now,
			State:     v1.TaskStatePending,
			Detail:    "created by " + req.Submitter,
		}},
	}
	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", string(task.Priority)))
	return task.Clone(), nil
}

// checkDependencies verifies every dependency exists and that following
// dependency edges can never loop. The new task does not exist yet, so a
// cycle can only come from a pre-existing loop among its dependencies.
func (s *Service) checkDependencies(ctx context.Context, deps []string) error {
	seen := make(map[string]bool)
	var walk func(ids []string, path map[string]bool) error
	walk = func(ids []string, path map[string]bool) error {
		for _, id := range ids {
			if path[id] {
				return fmt.Errorf("%w: via %s", ErrDependencyCycle, id)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			dep, err := s.repo.Get(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrUnknownDependency, id)
				}
				return err
			}
			path[id] = true
			if err := walk(dep.Dependencies, path); err != nil {
				return err
			}
			delete(path, id)
		}
		return nil
	}
	return walk(deps, make(map[string]bool))
}

// transition loads, validates, mutates, appends history, and saves.
func (s *Service) transition(ctx context.Context, id string, from []v1.TaskState, to v1.TaskState, detail string, mutate func(*v1.Task)) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, f := range from {
		if task.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s for task %s",
			ErrInvalidTransition, task.State, to, id)
	}

	now := s.now()
	task.State = to
	task.LastUpdateAt = now
	if mutate != nil {
		mutate(task)
	}
	task.History = append(task.History, v1.HistoryEntry{
		Timestamp: now,
		State:     to,
		Detail:    detail,
	})
	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task transition",
		zap.String("task_id", id),
		zap.String("state", string(to)),
		zap.String("detail", detail))
	return task.Clone(), nil
}

// Assign moves PENDING -> ASSIGNED, rejecting while dependencies are
// incomplete.
func (s *Service) Assign(ctx context.Context, id, agentID string) (*v1.Task, error) {
	s.mu.Lock()
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, dep := range task.Dependencies {
		d, err := s.repo.Get(ctx, dep)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if d.State != v1.TaskStateCompleted {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is %s", ErrDependenciesNotMet, dep, d.State)
		}
	}
	s.mu.Unlock()

	return s.transition(ctx, id,
		[]v1.TaskState{v1.TaskStatePending}, v1.TaskStateAssigned,
		"assigned to "+agentID,
		func(t *v1.Task) { t.Assignee = agentID })
}

// MarkExecuting moves ASSIGNED -> EXECUTING.
func (s *Service) MarkExecuting(ctx context.Context, id string) (*v1.Task, error) {
	return s.transition(ctx, id,
		[]v1.TaskState{v1.TaskStateAssigned}, v1.TaskStateExecuting,
		"execution started", nil)
}

// Complete moves EXECUTING -> COMPLETED, recording produced artifacts.
func (s *Service) Complete(ctx context.Context, id string, artifacts []v1.Artifact) (*v1.Task, error) {
	return s.transition(ctx, id,
		[]v1.TaskState{v1.TaskStateExecuting}, v1.TaskStateCompleted,
		"completed",
		func(t *v1.Task) { t.Artifacts = append(t.Artifacts, artifacts...) })
}

// Fail moves any non-terminal state -> FAILED.
func (s *Service) Fail(ctx context.Context, id, reason string) (*v1.Task, error) {
	return s.transition(ctx, id,
		[]v1.TaskState{v1.TaskStatePending, v1.TaskStateAssigned, v1.TaskStateExecuting},
		v1.TaskStateFailed, reason, nil)
}

// Cancel moves any non-terminal state -> CANCELLED.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*v1.Task, error) {
	return s.transition(ctx, id,
		[]v1.TaskState{v1.TaskStatePending, v1.TaskStateAssigned, v1.TaskStateExecuting},
		v1.TaskStateCancelled, reason, nil)
}

// Touch refreshes last_update_at for a live task without a transition,
// keeping it out of the stuck scan while its assignee reports progress.
func (s *Service) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return nil
	}
	task.LastUpdateAt = s.now()
	return s.repo.Save(ctx, task)
}

// Get returns one task by id.
func (s *Service) Get(ctx context.Context, id string) (*v1.Task, error) {
	return s.repo.Get(ctx, id)
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, f repository.Filter) ([]*v1.Task, error) {
	return s.repo.List(ctx, f)
}

// TasksReady returns PENDING tasks whose dependencies are all COMPLETED.
func (s *Service) TasksReady(ctx context.Context) ([]*v1.Task, error) {
	pending, err := s.repo.List(ctx, repository.Filter{States: []v1.TaskState{v1.TaskStatePending}})
	if err != nil {
		return nil, err
	}
	var ready []*v1.Task
	for _, t := range pending {
		ok := true
		for _, dep := range t.Dependencies {
			d, err := s.repo.Get(ctx, dep)
			if err != nil || d.State != v1.TaskStateCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// StuckTasks returns ASSIGNED/EXECUTING tasks whose last update precedes
// now by more than the threshold.
func (s *Service) StuckTasks(ctx context.Context, threshold time.Duration) ([]*v1.Task, error) {
	active, err := s.repo.List(ctx, repository.Filter{
		States: []v1.TaskState{v1.TaskStateAssigned, v1.TaskStateExecuting},
	})
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-threshold)
	var stuck []*v1.Task
	for _, t := range active {
		if t.LastUpdateAt.Before(cutoff) {
			stuck = append(stuck, t)
		}
	}
	return stuck, nil
}

// PurgeTerminal removes terminal tasks older than the retention window.
func (s *Service) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.repo.DeleteTerminalBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged terminal tasks", zap.Int("count", n))
	}
	return n, nil
}

// Close releases the underlying repository.
func (s *Service) Close() error {
	return s.repo.Close()
}
