// Package plan implements the tool-invocation sub-state-machine a Standard
// node enters when its agent proposes or is configured to follow a Plan
// (C7): dispatch steps in order, capture results, and replan on failure.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/template"
	"github.com/hensu-run/hensu/toolerrors"
)

// Constraints bounds one plan execution.
type Constraints struct {
	MaxSteps   int
	MaxReplans int
	Timeout    time.Duration

	// PauseAfterCreate gates the plan on human review before its first
	// step dispatches (spec.md §4.7 last paragraph).
	PauseAfterCreate bool
}

// PausedError signals that a plan suspended for review immediately after
// creation rather than running to a terminal Result. It propagates up
// through the enclosing Standard node executor as an error distinct from
// an ordinary NodeResult failure; the top-level Executor loop recognizes
// it via errors.As and reports ExecutionResult{Kind: Paused} instead of
// Failure, without appending a history step (a paused plan never produced
// a NodeResult to record).
type PausedError struct {
	Plan model.Plan
}

func (e *PausedError) Error() string { return "plan execution paused for review" }

// ToolDispatcher invokes a registered tool by name. *registry.Registry
// satisfies this directly.
type ToolDispatcher interface {
	Invoke(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
}

// Planner produces a revised plan after a step failure. Implementations
// wrap a planner agentapi.Agent. When Revise returns an error the plan is
// not revised and Run fails at the step that failed.
type Planner interface {
	Revise(ctx context.Context, current model.Plan, failedAtStep int, reason string) (model.Plan, error)
}

// StepResult is the outcome of dispatching one PlannedStep.
type StepResult struct {
	StepIndex int
	Success   bool
	Output    map[string]any
	Err       error
	Duration  time.Duration
}

// Result is what Run returns once the plan reaches a terminal outcome.
type Result struct {
	Plan          model.Plan
	Success       bool
	Output        string
	RevisionCount int
}

// Executor runs the plan sub-state-machine.
type Executor struct {
	Dispatcher ToolDispatcher
	Planner    Planner
	Bus        hooks.Bus
}

// New builds a plan Executor. planner may be nil, in which case failures
// never trigger a revision.
func New(dispatcher ToolDispatcher, planner Planner, bus hooks.Bus) *Executor {
	return &Executor{Dispatcher: dispatcher, Planner: planner, Bus: bus}
}

// Run executes plan to completion, honoring constraints, and returns the
// terminal Result. execContext supplies template-resolution values for step
// arguments; execContext is read-only from the plan engine's perspective.
func (e *Executor) Run(ctx context.Context, initial model.Plan, execContext map[string]any, constraints Constraints, executionID, workflowID, nodeID string) (Result, error) {
	if constraints.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constraints.Timeout)
		defer cancel()
	}

	current := truncate(initial, constraints.MaxSteps)
	revisions := 0

	e.emit(ctx, hooks.PlanCreated, executionID, workflowID, nodeID, 0, "")

	if constraints.PauseAfterCreate {
		return Result{Plan: current}, &PausedError{Plan: current}
	}

	lastOutput := ""
	for {
		stepIdx, done := nextPending(current)
		if done {
			e.emit(ctx, hooks.PlanCompleted, executionID, workflowID, nodeID, revisions, lastOutput)
			return Result{Plan: current, Success: true, Output: lastOutput, RevisionCount: revisions}, nil
		}

		step := &current.Steps[stepIdx]
		step.Status = model.StepRunning
		e.emitStep(ctx, hooks.StepStarted, executionID, workflowID, nodeID, stepIdx, step.ToolName)

		start := time.Now()
		resolvedArgs := resolveArguments(step.Arguments, execContext)
		out, err := e.Dispatcher.Invoke(ctx, step.ToolName, resolvedArgs)
		elapsed := time.Since(start)

		sr := StepResult{StepIndex: stepIdx, Success: err == nil, Output: out, Err: err, Duration: elapsed}
		e.emitStep(ctx, hooks.StepCompleted, executionID, workflowID, nodeID, stepIdx, step.ToolName)

		if sr.Success {
			step.Status = model.StepSucceeded
			lastOutput = stringifyOutput(out)
			continue
		}

		step.Status = model.StepFailed
		reason := ""
		if sr.Err != nil {
			reason = sr.Err.Error()
		}

		if e.Planner != nil && revisions < constraints.MaxReplans {
			revised, rerr := e.Planner.Revise(ctx, current, stepIdx, reason)
			if rerr == nil {
				revisions++
				current = truncate(revised, constraints.MaxSteps)
				e.emit(ctx, hooks.PlanRevised, executionID, workflowID, nodeID, revisions, "")
				continue
			}
		}

		e.emit(ctx, hooks.PlanCompleted, executionID, workflowID, nodeID, revisions, "")
		return Result{Plan: current, Success: false, Output: lastOutput, RevisionCount: revisions},
			toolerrors.Newf(toolerrors.KindPlanCreationError, "plan failed at step %d: %s", stepIdx, reason)
	}
}

func (e *Executor) emit(ctx context.Context, typ hooks.EventType, executionID, workflowID, nodeID string, revisionCount int, output string) {
	if e.Bus == nil {
		return
	}
	ev := hooks.New(typ, executionID, workflowID)
	ev.NodeID = nodeID
	ev.PlanRevisionCount = revisionCount
	ev.Output = output
	_ = e.Bus.Publish(ctx, ev)
}

func (e *Executor) emitStep(ctx context.Context, typ hooks.EventType, executionID, workflowID, nodeID string, stepIndex int, toolName string) {
	if e.Bus == nil {
		return
	}
	ev := hooks.New(typ, executionID, workflowID)
	ev.NodeID = nodeID
	ev.StepIndex = stepIndex
	ev.ToolName = toolName
	_ = e.Bus.Publish(ctx, ev)
}

func nextPending(p model.Plan) (int, bool) {
	for i, s := range p.Steps {
		if s.Status == model.StepPending {
			return i, false
		}
	}
	return 0, true
}

func truncate(p model.Plan, maxSteps int) model.Plan {
	if maxSteps <= 0 || len(p.Steps) <= maxSteps {
		return p
	}
	cp := p
	cp.Steps = append([]model.PlannedStep(nil), p.Steps[:maxSteps]...)
	return cp
}

func resolveArguments(args map[string]any, execContext map[string]any) map[string]any {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			resolved[k] = template.Resolve(s, execContext)
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

func stringifyOutput(out map[string]any) string {
	if out == nil {
		return ""
	}
	if v, ok := out["output"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%v", out)
}
