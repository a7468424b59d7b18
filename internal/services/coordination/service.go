// Package coordination is the reference coordination-hub service. Its
// task records are for external observers; they are analogous to, but
// distinct from, the registry's internal tasks. Every record change is
// appended to a JSONL journal (last write wins on replay) and published
// to websocket subscribers.
package coordination

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

const journalFile = "hub_tasks.jsonl"

// ErrTaskNotFound is returned for unknown hub task ids.
var ErrTaskNotFound = fmt.Errorf("task not found")

// Service owns the hub task records.
type Service struct {
	mu     sync.RWMutex
	tasks  map[string]*v1.HubTask
	file   *os.File
	feed   *Feed
	logger *logger.Logger
}

// NewService opens the journal under dir and replays it.
func NewService(dir string, feed *Feed, log *logger.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hub dir: %w", err)
	}
	path := filepath.Join(dir, journalFile)

	s := &Service{
		tasks:  make(map[string]*v1.HubTask),
		feed:   feed,
		logger: log.WithComponent("coordination"),
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open hub journal: %w", err)
	}
	s.file = f
	s.logger.Info("hub journal opened",
		zap.String("path", path), zap.Int("tasks", len(s.tasks)))
	return s, nil
}

func (s *Service) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open hub journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t v1.HubTask
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn("skipping malformed journal record",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		s.tasks[t.TaskID] = &t
	}
	return scanner.Err()
}

// journal appends the current record snapshot. Callers hold the lock.
func (s *Service) journalLocked(t *v1.HubTask) error {
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode hub task: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("persist hub task: %w", err)
	}
	return nil
}

// Create records a new hub task and returns it.
func (s *Service) Create(title, description, assignedTo, priority, taskType string) (v1.HubTask, error) {
	now := time.Now().UTC()
	t := &v1.HubTask{
		TaskID:      uuid.New().String(),
		Title:       title,
		Description: description,
		AssignedTo:  assignedTo,
		Priority:    priority,
		Type:        taskType,
		Status:      v1.HubTaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journalLocked(t); err != nil {
		return v1.HubTask{}, err
	}
	s.tasks[t.TaskID] = t
	s.publish("task_created", t)
	return *t, nil
}

// Update sets a task's status and appends an optional note.
func (s *Service) Update(id string, status v1.HubTaskStatus, note string) (v1.HubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return v1.HubTask{}, ErrTaskNotFound
	}
	if status != "" {
		t.Status = status
	}
	if note != "" {
		t.Notes = append(t.Notes, note)
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.journalLocked(t); err != nil {
		return v1.HubTask{}, err
	}
	s.publish("task_updated", t)
	return *t, nil
}

// Complete marks a task completed with its result.
func (s *Service) Complete(id string, result map[string]any) (v1.HubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return v1.HubTask{}, ErrTaskNotFound
	}
	t.Status = v1.HubTaskCompleted
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	if err := s.journalLocked(t); err != nil {
		return v1.HubTask{}, err
	}
	s.publish("task_completed", t)
	return *t, nil
}

// Get returns one hub task by id.
func (s *Service) Get(id string) (v1.HubTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return v1.HubTask{}, ErrTaskNotFound
	}
	return *t, nil
}

// List returns tasks matching the filters, newest first.
func (s *Service) List(status, assignedTo string, limit int) []v1.HubTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []v1.HubTask
	for _, t := range s.tasks {
		if status != "" && string(t.Status) != status {
			continue
		}
		if assignedTo != "" && t.AssignedTo != assignedTo {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of hub tasks.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Service) publish(event string, t *v1.HubTask) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(event, *t)
}

// Close releases the journal handle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
