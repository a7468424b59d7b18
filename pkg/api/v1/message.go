// Package v1 defines the wire types shared between agents, the
// orchestrator, and the reference services.
package v1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageIntent is the speech-act label carried by every message.
type MessageIntent string

const (
	IntentRequest        MessageIntent = "REQUEST"
	IntentInform         MessageIntent = "INFORM"
	IntentPropose        MessageIntent = "PROPOSE"
	IntentAcceptProposal MessageIntent = "ACCEPT_PROPOSAL"
	IntentRejectProposal MessageIntent = "REJECT_PROPOSAL"
	IntentReportStatus   MessageIntent = "REPORT_STATUS"
	IntentError          MessageIntent = "ERROR"
	IntentAck            MessageIntent = "ACK"
)

// Valid reports whether the intent is one of the known speech acts.
func (i MessageIntent) Valid() bool {
	switch i {
	case IntentRequest, IntentInform, IntentPropose, IntentAcceptProposal,
		IntentRejectProposal, IntentReportStatus, IntentError, IntentAck:
		return true
	}
	return false
}

// BroadcastRecipient is the recipient id that addresses every agent.
const BroadcastRecipient = "*"

// Sentinel task ids for out-of-band traffic.
const (
	TaskIDSystem = "system"
	TaskIDPing   = "ping"
)

// Payload type values dispatched by the runtime on payload["type"].
const (
	// REQUEST payloads
	PayloadSubmitTask          = "submit_task"
	PayloadGetStatus           = "get_status"
	PayloadListTasks           = "list_tasks"
	PayloadPing                = "ping"
	PayloadCreateSpecification = "create_specification"
	PayloadBuildFromSpec       = "build_from_spec"
	PayloadValidateBuild       = "validate_build"
	PayloadCancel              = "cancel"

	// INFORM payloads
	PayloadAgentOnline        = "agent_online"
	PayloadAgentOffline       = "agent_offline"
	PayloadSpecificationReady = "specification_ready"
	PayloadBuildComplete      = "build_complete"
	PayloadValidationComplete = "validation_complete"
	PayloadTaskSubmitted      = "task_submitted"
	PayloadTaskStatus         = "task_status"
	PayloadError              = "error"
)

// Message is the unit of inter-agent communication. Messages are
// immutable once constructed; re-senders copy and bump RetryCount.
type Message struct {
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Intent      MessageIntent  `json:"intent"`
	TaskID      string         `json:"task_id"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	RetryCount  int            `json:"retry_count"`
}

// NewMessage creates a message with a fresh UUID and a UTC timestamp.
func NewMessage(sender, recipient string, intent MessageIntent, taskID string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		MessageID:   uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		Intent:      intent,
		TaskID:      taskID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// IsBroadcast reports whether the message addresses every agent.
func (m *Message) IsBroadcast() bool {
	return m.RecipientID == BroadcastRecipient
}

// PayloadType returns payload["type"] or "" when absent.
func (m *Message) PayloadType() string {
	if m.Payload == nil {
		return ""
	}
	t, _ := m.Payload["type"].(string)
	return t
}

// PayloadString returns the string value of a payload key, or "".
func (m *Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// Validate checks the fields the transport requires before accepting a
// message for delivery.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if m.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}
	if m.RecipientID == "" {
		return fmt.Errorf("recipient_id is required")
	}
	if !m.Intent.Valid() {
		return fmt.Errorf("unknown intent %q", m.Intent)
	}
	return nil
}

// Encode renders the message as a single JSON line (no trailing newline).
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one JSON-encoded message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
