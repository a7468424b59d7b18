package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// sqlStore implements Repository over any sqlx-compatible database.
// Timestamps are stored as RFC3339Nano text and list fields as JSON so
// the same schema and statements work on SQLite and Postgres.
type sqlStore struct {
	db *sqlx.DB
}

var _ Repository = (*sqlStore)(nil)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	assignee TEXT NOT NULL DEFAULT '',
	parent_task TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	priority TEXT NOT NULL DEFAULT 'medium',
	submitter TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	artifacts TEXT NOT NULL DEFAULT '[]',
	history TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	last_update_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
CREATE INDEX IF NOT EXISTS idx_tasks_last_update ON tasks(last_update_at);
`

func newSQLStore(db *sqlx.DB) (*sqlStore, error) {
	if _, err := db.Exec(taskSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}

type taskRow struct {
	ID           string `db:"id"`
	Type         string `db:"type"`
	State        string `db:"state"`
	Assignee     string `db:"assignee"`
	ParentTask   string `db:"parent_task"`
	Dependencies string `db:"dependencies"`
	Priority     string `db:"priority"`
	Submitter    string `db:"submitter"`
	Payload      string `db:"payload"`
	Artifacts    string `db:"artifacts"`
	History      string `db:"history"`
	CreatedAt    string `db:"created_at"`
	LastUpdateAt string `db:"last_update_at"`
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toRow(t *v1.Task) (*taskRow, error) {
	deps, err := encodeJSON(depsOrEmpty(t.Dependencies))
	if err != nil {
		return nil, fmt.Errorf("encode dependencies: %w", err)
	}
	payload, err := encodeJSON(payloadOrEmpty(t.Payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	artifacts, err := encodeJSON(artifactsOrEmpty(t.Artifacts))
	if err != nil {
		return nil, fmt.Errorf("encode artifacts: %w", err)
	}
	history, err := encodeJSON(historyOrEmpty(t.History))
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return &taskRow{
		ID:           t.ID,
		Type:         string(t.Type),
		State:        string(t.State),
		Assignee:     t.Assignee,
		ParentTask:   t.ParentTask,
		Dependencies: deps,
		Priority:     string(t.Priority),
		Submitter:    t.Submitter,
		Payload:      payload,
		Artifacts:    artifacts,
		History:      history,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdateAt: t.LastUpdateAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func depsOrEmpty(d []string) []string {
	if d == nil {
		return []string{}
	}
	return d
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func artifactsOrEmpty(a []v1.Artifact) []v1.Artifact {
	if a == nil {
		return []v1.Artifact{}
	}
	return a
}

func historyOrEmpty(h []v1.HistoryEntry) []v1.HistoryEntry {
	if h == nil {
		return []v1.HistoryEntry{}
	}
	return h
}

func (r *taskRow) toTask() (*v1.Task, error) {
	t := &v1.Task{
		ID:         r.ID,
		Type:       v1.TaskType(r.Type),
		State:      v1.TaskState(r.State),
		Assignee:   r.Assignee,
		ParentTask: r.ParentTask,
		Priority:   v1.TaskPriority(r.Priority),
		Submitter:  r.Submitter,
	}
	if err := json.Unmarshal([]byte(r.Dependencies), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Artifacts), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.History), &t.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", r.ID, err)
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("decode created_at for %s: %w", r.ID, err)
	}
	if t.LastUpdateAt, err = time.Parse(time.RFC3339Nano, r.LastUpdateAt); err != nil {
		return nil, fmt.Errorf("decode last_update_at for %s: %w", r.ID, err)
	}
	return t, nil
}

// Save upserts the full task record.
func (s *sqlStore) Save(ctx context.Context, task *v1.Task) error {
	row, err := toRow(task)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`
		INSERT INTO tasks (id, type, state, assignee, parent_task, dependencies,
			priority, submitter, payload, artifacts, history, created_at, last_update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			state = excluded.state,
			assignee = excluded.assignee,
			parent_task = excluded.parent_task,
			dependencies = excluded.dependencies,
			priority = excluded.priority,
			submitter = excluded.submitter,
			payload = excluded.payload,
			artifacts = excluded.artifacts,
			history = excluded.history,
			created_at = excluded.created_at,
			last_update_at = excluded.last_update_at`)
	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.Type, row.State, row.Assignee, row.ParentTask, row.Dependencies,
		row.Priority, row.Submitter, row.Payload, row.Artifacts, row.History,
		row.CreatedAt, row.LastUpdateAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Get loads one task by id.
func (s *sqlStore) Get(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	query := s.db.Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toTask()
}

// List returns matching tasks ordered by creation time.
func (s *sqlStore) List(ctx context.Context, f Filter) ([]*v1.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		in, inArgs, err := sqlx.In(` AND state IN (?)`, states)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, tt := range f.Types {
			types[i] = string(tt)
		}
		in, inArgs, err := sqlx.In(` AND type IN (?)`, types)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	if f.Assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, f.Assignee)
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal tasks last updated before cutoff.
func (s *sqlStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.db.Rebind(`
		DELETE FROM tasks
		WHERE state IN ('COMPLETED', 'FAILED', 'CANCELLED') AND last_update_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
