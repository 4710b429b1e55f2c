// Package state defines the mutable per-execution state threaded through
// the node executors and processor pipeline (C1), plus its immutable
// snapshot form used for checkpointing and crash recovery.
package state

import (
	"time"

	"github.com/hensu-run/hensu/model"
)

// Status is the outcome a node executor reports for one node invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// NodeResult is what every node executor returns.
type NodeResult struct {
	Status   Status
	Output   string
	Metadata map[string]any
}

// Success builds a successful NodeResult.
func Success(output string, metadata map[string]any) NodeResult {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return NodeResult{Status: StatusSuccess, Output: output, Metadata: metadata}
}

// Failure builds a failed NodeResult.
func Failure(message string, metadata map[string]any) NodeResult {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["error"] = message
	return NodeResult{Status: StatusFailure, Output: "", Metadata: metadata}
}

// CheckpointReason tags why a snapshot was taken; it is the single source
// of truth the persistence layer's lease discipline keys off of.
type CheckpointReason string

const (
	ReasonCheckpoint CheckpointReason = "checkpoint"
	ReasonCompleted  CheckpointReason = "completed"
	ReasonPaused     CheckpointReason = "paused"
	ReasonFailed     CheckpointReason = "failed"
	ReasonRejected   CheckpointReason = "rejected"
)

// Terminal reports whether the reason marks the execution as no longer
// owned by any node (the lease invariant in spec.md §4.11). Paused
// executions are not owned either — they are waiting on a human decision,
// not mid-flight on some node — but they are still resumable; use Final
// to distinguish "done for good" from "paused, awaiting Resume".
func (r CheckpointReason) Terminal() bool {
	return r != ReasonCheckpoint
}

// Final reports whether the reason marks the execution as permanently
// done: no further Resume call can continue it. Paused is deliberately
// excluded — a paused execution still owns no lease (Terminal is true)
// but remains a valid Resume target once a reviewer decides.
func (r CheckpointReason) Final() bool {
	return r == ReasonCompleted || r == ReasonFailed || r == ReasonRejected
}

// ExecutionStep is one append-only entry in an execution's history.
type ExecutionStep struct {
	NodeID    string
	Result    NodeResult
	Snapshot  map[string]any
	Timestamp time.Time

	// Backtrack is set when this step records a backtrack rather than a
	// normal node execution (auto-backtrack ladder or reviewer backtrack).
	Backtrack *BacktrackRecord
}

// BacktrackRecord documents a currentNodeId mutation that did not unwind
// history: which node it returned to and why.
type BacktrackRecord struct {
	FromNodeID string
	ToNodeID   string
	Reason     string
}

// ExecutionHistory is the append-only sequence of steps for one execution.
type ExecutionHistory struct {
	Steps []ExecutionStep
}

// Append adds a step to the history.
func (h *ExecutionHistory) Append(step ExecutionStep) {
	h.Steps = append(h.Steps, step)
}

// LastRubricNodeBefore walks history backward from the most recent step
// and returns the id of the most recent prior node that had a non-empty
// rubric recorded against it, used by the moderate/critical auto-backtrack
// ladder. ok is false if no such node exists, in which case callers fall
// back to retrying the current node (spec.md §9 Open Question).
func (h *ExecutionHistory) LastRubricNodeBefore(currentNodeID string, hasRubric func(nodeID string) bool) (string, bool) {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		step := h.Steps[i]
		if step.NodeID == currentNodeID {
			continue
		}
		if hasRubric(step.NodeID) {
			return step.NodeID, true
		}
	}
	return "", false
}

// PlanSnapshot is the serializable form of an in-flight plan, stored on
// HensuState while a Standard node's plan sub-state-machine is active.
type PlanSnapshot struct {
	Plan          model.Plan
	RevisionCount int
}

// HensuState is the mutable state threaded through one execution. It is
// exclusively owned by that execution; node executors and pipeline stages
// mutate it in place under the caller's exclusive ownership guarantee
// (spec.md §9 design note — no aliasing across executions).
type HensuState struct {
	ExecutionID   string
	WorkflowID    string
	CurrentNodeID string

	Context map[string]any

	History    ExecutionHistory
	RetryCount int

	RubricEvaluation *model.RubricEvaluation
	LoopBreakTarget  string
	ActivePlan       *PlanSnapshot
}

// New builds a fresh HensuState at the workflow's start node.
func New(executionID, workflowID, startNodeID string, initialContext map[string]any) *HensuState {
	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}
	return &HensuState{
		ExecutionID:   executionID,
		WorkflowID:    workflowID,
		CurrentNodeID: startNodeID,
		Context:       ctx,
		History:       ExecutionHistory{},
	}
}

// ResetRetryCount clears the per-node retry counter; called whenever the
// executor moves to a new current node.
func (s *HensuState) ResetRetryCount() { s.RetryCount = 0 }

// Snapshot captures an immutable checkpoint of the current state.
func (s *HensuState) Snapshot(reason CheckpointReason) *HensuSnapshot {
	return &HensuSnapshot{
		WorkflowID:       s.WorkflowID,
		ExecutionID:      s.ExecutionID,
		CurrentNodeID:    s.CurrentNodeID,
		Context:          deepCopyMap(s.Context),
		History:          copyHistory(s.History),
		ActivePlan:       copyActivePlan(s.ActivePlan),
		CreatedAt:        time.Now(),
		CheckpointReason: reason,
	}
}

// HensuSnapshot is an immutable checkpoint of a HensuState. It can be
// reconstructed into a fresh mutable HensuState by Restore, which is what
// crash recovery and manual resume both do.
type HensuSnapshot struct {
	WorkflowID    string
	ExecutionID   string
	CurrentNodeID string
	Context       map[string]any
	History       ExecutionHistory
	ActivePlan    *PlanSnapshot
	CreatedAt     time.Time

	CheckpointReason CheckpointReason
}

// Restore reconstructs a fresh mutable HensuState from this snapshot.
func (s *HensuSnapshot) Restore() *HensuState {
	return &HensuState{
		ExecutionID:   s.ExecutionID,
		WorkflowID:    s.WorkflowID,
		CurrentNodeID: s.CurrentNodeID,
		Context:       deepCopyMap(s.Context),
		History:       copyHistory(s.History),
		ActivePlan:    copyActivePlan(s.ActivePlan),
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func copyHistory(h ExecutionHistory) ExecutionHistory {
	steps := make([]ExecutionStep, len(h.Steps))
	copy(steps, h.Steps)
	return ExecutionHistory{Steps: steps}
}

func copyActivePlan(p *PlanSnapshot) *PlanSnapshot {
	if p == nil {
		return nil
	}
	cp := *p
	steps := make([]model.PlannedStep, len(p.Plan.Steps))
	copy(steps, p.Plan.Steps)
	cp.Plan.Steps = steps
	return &cp
}
