package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/registry/repository"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(repository.NewMemory(), logger.NewNop())
}

func createTask(t *testing.T, s *Service, typ v1.TaskType, deps ...string) *v1.Task {
	t.Helper()
	task, err := s.Create(context.Background(), CreateRequest{
		Type:         typ,
		Submitter:    "tester",
		Dependencies: deps,
	})
	require.NoError(t, err)
	return task
}

func TestCreateTask(t *testing.T) {
	s := newTestService(t)
	task := createTask(t, s, v1.TaskTypeSpecification)

	assert.Equal(t, v1.TaskStatePending, task.State)
	assert.Equal(t, v1.PriorityMedium, task.Priority)
	assert.Contains(t, task.ID, "task-specification-")
	require.Len(t, task.History, 1)
	assert.Equal(t, v1.TaskStatePending, task.History[0].State)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.Background(), CreateRequest{Type: "BOGUS"})
	require.Error(t, err)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.Background(), CreateRequest{
		Type:         v1.TaskTypeBuild,
		Dependencies: []string{"task-missing"},
	})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestHappyPathLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	task := createTask(t, s, v1.TaskTypeSpecification)

	assigned, err := s.Assign(ctx, task.ID, "architect-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateAssigned, assigned.State)
	assert.Equal(t, "architect-1", assigned.Assignee)

	executing, err := s.MarkExecuting(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateExecuting, executing.State)

	done, err := s.Complete(ctx, task.ID, []v1.Artifact{{Label: "specification", URI: "/tmp/spec.json"}})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateCompleted, done.State)
	require.Len(t, done.Artifacts, 1)

	// One history entry per transition: PENDING, ASSIGNED, EXECUTING, COMPLETED.
	require.Len(t, done.History, 4)
	states := []v1.TaskState{}
	for _, h := range done.History {
		states = append(states, h.State)
	}
	assert.Equal(t, []v1.TaskState{
		v1.TaskStatePending, v1.TaskStateAssigned,
		v1.TaskStateExecuting, v1.TaskStateCompleted,
	}, states)
}

func TestInvalidTransitionLeavesTaskUntouched(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	task := createTask(t, s, v1.TaskTypeSpecification)

	// PENDING -> COMPLETED skips two states.
	_, err := s.Complete(ctx, task.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatePending, got.State)
	assert.Len(t, got.History, 1, "rejected transition must not add history")
}

func TestTerminalStatesFrozen(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	task := createTask(t, s, v1.TaskTypeSpecification)
	_, err := s.Cancel(ctx, task.ID, "no longer needed")
	require.NoError(t, err)

	_, err = s.Assign(ctx, task.ID, "architect-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Fail(ctx, task.ID, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Cancel(ctx, task.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailFromAnyActiveState(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, setup := range []struct {
		name string
		prep func(id string)
	}{
		{"pending", func(id string) {}},
		{"assigned", func(id string) {
			_, err := s.Assign(ctx, id, "a")
			require.NoError(t, err)
		}},
		{"executing", func(id string) {
			_, err := s.Assign(ctx, id, "a")
			require.NoError(t, err)
			_, err = s.MarkExecuting(ctx, id)
			require.NoError(t, err)
		}},
	} {
		t.Run(setup.name, func(t *testing.T) {
			task := createTask(t, s, v1.TaskTypeSpecification)
			setup.prep(task.ID)
			failed, err := s.Fail(ctx, task.ID, "it broke")
			require.NoError(t, err)
			assert.Equal(t, v1.TaskStateFailed, failed.State)
			last := failed.History[len(failed.History)-1]
			assert.Equal(t, "it broke", last.Detail)
		})
	}
}

func TestAssignRequiresCompletedDependencies(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	dep := createTask(t, s, v1.TaskTypeSpecification)
	child := createTask(t, s, v1.TaskTypeBuild, dep.ID)

	_, err := s.Assign(ctx, child.ID, "builder-1")
	assert.ErrorIs(t, err, ErrDependenciesNotMet)

	// Complete the dependency; assignment now succeeds.
	_, err = s.Assign(ctx, dep.ID, "architect-1")
	require.NoError(t, err)
	_, err = s.MarkExecuting(ctx, dep.ID)
	require.NoError(t, err)
	_, err = s.Complete(ctx, dep.ID, nil)
	require.NoError(t, err)

	assigned, err := s.Assign(ctx, child.ID, "builder-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateAssigned, assigned.State)
}

func TestTasksReady(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	free := createTask(t, s, v1.TaskTypeSpecification)
	dep := createTask(t, s, v1.TaskTypeSpecification)
	blocked := createTask(t, s, v1.TaskTypeBuild, dep.ID)

	ready, err := s.TasksReady(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	assert.Contains(t, ids, free.ID)
	assert.Contains(t, ids, dep.ID)
	assert.NotContains(t, ids, blocked.ID)
}

func TestStuckTasks(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })
	task := createTask(t, s, v1.TaskTypeSpecification)
	_, err := s.Assign(ctx, task.ID, "architect-1")
	require.NoError(t, err)

	// Nothing is stuck yet.
	stuck, err := s.StuckTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// Ten minutes later with no progress, the task shows up.
	s.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	stuck, err = s.StuckTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].ID)

	// A Touch resets the clock on liveness.
	require.NoError(t, s.Touch(ctx, task.ID))
	stuck, err = s.StuckTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })
	old := createTask(t, s, v1.TaskTypeSpecification)
	_, err := s.Cancel(ctx, old.ID, "done with it")
	require.NoError(t, err)
	live := createTask(t, s, v1.TaskTypeSpecification)

	s.SetClock(func() time.Time { return now.Add(48 * time.Hour) })
	n, err := s.PurgeTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	task := createTask(t, s, v1.TaskTypeSpecification)

	const attempts = 8
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func(n int) {
			_, err := s.Assign(ctx, task.ID, "agent")
			errs <- err
		}(i)
	}

	wins := 0
	for i := 0; i < attempts; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)
}
