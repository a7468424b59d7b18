package v1

import "time"

// AgentRole identifies what kind of work an agent performs. Roles are an
// open enumeration; the constants below are the canonical pipeline roles.
type AgentRole string

const (
	RoleAdmin     AgentRole = "ADMIN"
	RoleArchitect AgentRole = "ARCHITECT"
	RoleBuilder   AgentRole = "BUILDER"
	RoleValidator AgentRole = "VALIDATOR"
)

// RoleForTaskType returns the canonical role that handles a pipeline stage.
func RoleForTaskType(t TaskType) AgentRole {
	switch t {
	case TaskTypeSpecification:
		return RoleArchitect
	case TaskTypeBuild:
		return RoleBuilder
	case TaskTypeValidate:
		return RoleValidator
	default:
		return ""
	}
}

// AgentStatus is the availability of a registered agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "AVAILABLE"
	AgentBusy      AgentStatus = "BUSY"
	AgentBlocked   AgentStatus = "BLOCKED"
	AgentOffline   AgentStatus = "OFFLINE"
)

// AgentDescriptor is the orchestrator's registry entry for a running agent.
type AgentDescriptor struct {
	AgentID      string      `json:"agent_id"`
	Role         AgentRole   `json:"role"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
}
