package messages

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by hubcore.
const (
	TypeDispatchApproved  = "dispatch.approved"
	TypeDispatchDenied    = "dispatch.denied"
	TypeSessionRegistered = "session.registered"
	TypeSessionResynced   = "session.resynced"
	TypeSessionEnded      = "session.ended"
	TypeStepStatusChanged = "step.status_changed"
	TypeStepCompleted     = "step.completed"
)

// EventMessage represents a coordination event sent via NATS
type EventMessage struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`   // "session.registered", "step.completed", etc.
	Source      string    `json:"source"` // Service that generated the event
	WorkspaceID string    `json:"workspace_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"` // Session ID or step ID
	Event       EventData `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "approved", "registered", "completed", ...
	Category    string                 `json:"category"` // "dispatch", "session", "step"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

func newEvent(eventType, action, category, source, workspaceID, planID, entityID string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		ID:          uuid.New().String(),
		Type:        eventType,
		Source:      source,
		WorkspaceID: workspaceID,
		PlanID:      planID,
		EntityID:    entityID,
		Event: EventData{
			Action:   action,
			Category: category,
			Data:     data,
		},
		Timestamp: time.Now().UTC(),
	}
}

// DispatchApproved creates a dispatch.approved event
func DispatchApproved(workspaceID, planID, sessionID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeDispatchApproved, "approved", "dispatch", source, workspaceID, planID, sessionID, data)
}

// DispatchDenied creates a dispatch.denied event; description carries the
// denial reason.
func DispatchDenied(workspaceID, planID, sessionID, source, reason string, data map[string]interface{}) *EventMessage {
	msg := newEvent(TypeDispatchDenied, "denied", "dispatch", source, workspaceID, planID, sessionID, data)
	msg.Event.Description = reason
	return msg
}

// SessionRegistered creates a session.registered event
func SessionRegistered(workspaceID, planID, sessionID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeSessionRegistered, "registered", "session", source, workspaceID, planID, sessionID, data)
}

// SessionResynced creates a session.resynced event
func SessionResynced(workspaceID, planID, sessionID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeSessionResynced, "resynced", "session", source, workspaceID, planID, sessionID, data)
}

// SessionEnded creates a session.ended event
func SessionEnded(workspaceID, planID, sessionID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeSessionEnded, "ended", "session", source, workspaceID, planID, sessionID, data)
}

// StepStatusChanged creates a step.status_changed event
func StepStatusChanged(workspaceID, planID, stepID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeStepStatusChanged, "status_changed", "step", source, workspaceID, planID, stepID, data)
}

// StepCompleted creates a step.completed event
func StepCompleted(workspaceID, planID, stepID, source string, data map[string]interface{}) *EventMessage {
	return newEvent(TypeStepCompleted, "completed", "step", source, workspaceID, planID, stepID, data)
}
