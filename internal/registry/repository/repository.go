// Package repository provides task persistence for the registry.
// Three backends share one interface: in-memory (tests, ephemeral),
// SQLite (default), and Postgres.
package repository

import (
	"context"
	"errors"
	"time"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// Filter narrows List results. Zero values match everything.
type Filter struct {
	States   []v1.TaskState
	Types    []v1.TaskType
	Assignee string
	Limit    int
}

func (f Filter) matchState(s v1.TaskState) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if st == s {
			return true
		}
	}
	return false
}

func (f Filter) matchType(t v1.TaskType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, tt := range f.Types {
		if tt == t {
			return true
		}
	}
	return false
}

// Matches reports whether a task passes the filter (limit excluded).
func (f Filter) Matches(t *v1.Task) bool {
	if !f.matchState(t.State) || !f.matchType(t.Type) {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	return true
}

// Repository stores full task records. The registry service is the only
// caller and owns all invariant enforcement; Save is a plain upsert.
type Repository interface {
	Save(ctx context.Context, task *v1.Task) error
	Get(ctx context.Context, id string) (*v1.Task, error)
	List(ctx context.Context, f Filter) ([]*v1.Task, error)
	// DeleteTerminalBefore removes terminal tasks whose last update
	// precedes the cutoff. Used by the retention purge.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
