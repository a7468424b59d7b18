package v1

import "time"

// KnowledgeItem is a record stored by the knowledge service. The core
// treats Content and Metadata as opaque.
type KnowledgeItem struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Title     string         `json:"title,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Document is a record stored by the vector service. Score is populated
// only on search results.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Score     float64        `json:"score,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// HubTaskStatus is the lifecycle of a coordination-hub task record. Hub
// records are analogous to, but distinct from, registry tasks.
type HubTaskStatus string

const (
	HubTaskPending    HubTaskStatus = "pending"
	HubTaskInProgress HubTaskStatus = "in_progress"
	HubTaskCompleted  HubTaskStatus = "completed"
	HubTaskFailed     HubTaskStatus = "failed"
)

// HubTask is a coordination-hub task record for external observers.
type HubTask struct {
	TaskID      string         `json:"task_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Type        string         `json:"type,omitempty"`
	Status      HubTaskStatus  `json:"status"`
	Notes       []string       `json:"notes,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
