// Package hooks provides the best-effort observer/sink abstraction the
// executor and plan engine publish lifecycle events through. Delivery never
// blocks correctness: state is always recoverable from a snapshot even if
// no subscriber was listening (spec.md §9).
package hooks

import "time"

// EventType enumerates the closed set of execution lifecycle events
// Environment.events streams (spec.md §6).
type EventType string

const (
	ExecutionStarted  EventType = "execution.started"
	PlanCreated       EventType = "plan.created"
	StepStarted       EventType = "step.started"
	StepCompleted     EventType = "step.completed"
	PlanRevised       EventType = "plan.revised"
	PlanCompleted     EventType = "plan.completed"
	ExecutionPaused   EventType = "execution.paused"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionError    EventType = "execution.error"
)

// ExecutionEvent is the single concrete event type every lifecycle moment
// is represented as. Hensu's event set is small and uniform compared to
// the broader agent-run event taxonomy it is modeled on, so a single
// struct with an optional-field payload replaces what would otherwise be
// a family of per-event types.
type ExecutionEvent struct {
	Type        EventType
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Timestamp   time.Time

	// Populated depending on Type.
	Success    bool
	FinalNodeID string
	Output      string
	Error       string

	StepIndex   int
	ToolName    string
	PlanRevisionCount int
}

// New stamps an ExecutionEvent with the current time.
func New(typ EventType, executionID, workflowID string) ExecutionEvent {
	return ExecutionEvent{
		Type:        typ,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Timestamp:   time.Now(),
	}
}
