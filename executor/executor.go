// Package executor implements the single-execution orchestrator loop
// (C9): advance HensuState through the node graph one node at a time,
// running each NodeResult through the processor pipeline, checkpointing
// after every non-terminal pass.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/node"
	"github.com/hensu-run/hensu/pipeline"
	"github.com/hensu-run/hensu/plan"
	"github.com/hensu-run/hensu/registry"
	"github.com/hensu-run/hensu/rubric"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/telemetry"
	"github.com/hensu-run/hensu/toolerrors"
)

// ResultKind tags which variant an ExecutionResult carries.
type ResultKind string

const (
	Completed ResultKind = "completed"
	Paused    ResultKind = "paused"
	Rejected  ResultKind = "rejected"
	Failure   ResultKind = "failure"
)

// ExecutionResult is the tagged outcome Execute/ExecuteFrom returns.
type ExecutionResult struct {
	Kind  ResultKind
	State *state.HensuState
	Err   error
}

// SnapshotStore is the subset of WorkflowStateRepository the executor
// needs to checkpoint. persistence.Repository satisfies this.
type SnapshotStore interface {
	Save(ctx context.Context, tenantID string, snapshot *state.HensuSnapshot) error
}

// WorkflowLookup resolves a workflow by id, used to run SubWorkflow nodes.
type WorkflowLookup func(workflowID string) (*model.Workflow, bool)

// DefaultStepCap is the per-execution guard against runaway cycles
// (Loop, auto-backtrack) absent an explicit configuration.
const DefaultStepCap = 10000

// Executor drives one workflow execution to a terminal ExecutionResult.
type Executor struct {
	Nodes    *node.Registry
	Pipeline *pipeline.Pipeline
	Store    SnapshotStore
	Bus      hooks.Bus

	Workflows WorkflowLookup
	TenantID  string
	StepCap   int
	NewID     func() string

	// Collaborators shared into every node.ExecutionContext this Executor
	// builds. Populated by the caller (environment.Environment) at
	// construction time.
	Agents          *agentapi.ProviderRegistry
	Tools           *registry.Registry
	ActionHandlers  map[string]agentapi.ActionExecutor
	GenericHandlers map[string]node.GenericHandler
	MergeHandlers   map[string]node.MergeFunc
	Planner         plan.Planner
	DefaultTimeout  time.Duration

	// Evaluator is the optional LLM-based rubric evaluator agent. The rubric
	// engine itself is built fresh per execution from the workflow's own
	// Rubrics catalog (see run) rather than stored here, since one Executor
	// serves every workflow a tenant registers and the catalogs differ.
	Evaluator agentapi.Agent

	// Logger and Metrics record what the loop does. Default to no-op so
	// tests and ephemeral use don't need to wire a backend.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New builds an Executor. store and bus may be nil for ephemeral/test use.
func New(nodes *node.Registry, pl *pipeline.Pipeline, store SnapshotStore, bus hooks.Bus, workflows WorkflowLookup, tenantID string) *Executor {
	return &Executor{
		Nodes:     nodes,
		Pipeline:  pl,
		Store:     store,
		Bus:       bus,
		Workflows: workflows,
		TenantID:  tenantID,
		StepCap:   DefaultStepCap,
		NewID:     func() string { return uuid.NewString() },
		Logger:    telemetry.NewNoopLogger(),
		Metrics:   telemetry.NewNoopMetrics(),
	}
}

func (e *Executor) buildExecutionContext(wf *model.Workflow, st *state.HensuState, rubrics *rubric.Engine) *node.ExecutionContext {
	ec := &node.ExecutionContext{
		Workflow:        wf,
		Agents:          e.Agents,
		Rubrics:         rubrics,
		Tools:           e.Tools,
		ActionHandlers:  e.ActionHandlers,
		GenericHandlers: e.GenericHandlers,
		MergeHandlers:   e.MergeHandlers,
		Planner:         e.Planner,
		Bus:             e.Bus,
		ExecutionID:     st.ExecutionID,
		DefaultTimeout:  e.DefaultTimeout,
	}

	if e.Workflows != nil {
		ec.SubWorkflows = func(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error) {
			child, ok := e.Workflows(workflowID)
			if !ok {
				return nil, toolerrors.Newf(toolerrors.KindMissingNode, "sub-workflow %q not found", workflowID)
			}
			result := e.Execute(ctx, child, input)
			if result.Err != nil {
				return nil, result.Err
			}
			if result.Kind != Completed {
				return nil, toolerrors.Newf(toolerrors.KindInvariantViolated, "sub-workflow %q did not complete", workflowID)
			}
			return result.State.Context, nil
		}
	}

	ec.ForkBranch = func(ctx context.Context, targetNodeID string) (state.NodeResult, error) {
		return e.runBranch(ctx, wf, st, targetNodeID, rubrics)
	}

	return ec
}

// runBranch runs a single node (the entry point of a Fork target or a
// Loop body) through its node executor once and returns that node's own
// NodeResult. The pipeline does not run for it, so no history step is
// appended and no transition is evaluated. The branch state has its own
// history, retry count and current node but shares the parent's Context
// map, so context writes made by the node land in the parent execution's
// context. rubrics is the enclosing execution's rubric engine, already
// scoped to wf.Rubrics.
func (e *Executor) runBranch(ctx context.Context, wf *model.Workflow, parent *state.HensuState, targetNodeID string, rubrics *rubric.Engine) (state.NodeResult, error) {
	branchState := &state.HensuState{
		ExecutionID:   parent.ExecutionID,
		WorkflowID:    parent.WorkflowID,
		CurrentNodeID: targetNodeID,
		Context:       parent.Context,
	}

	n, ok := wf.Node(targetNodeID)
	if !ok {
		return state.NodeResult{}, toolerrors.Newf(toolerrors.KindMissingNode, "node %q not found in workflow %q", targetNodeID, wf.ID)
	}

	ec := e.buildExecutionContext(wf, branchState, rubrics)
	result, err := e.Nodes.Execute(ctx, &n, ec, branchState)
	if err != nil {
		return state.NodeResult{}, err
	}
	return result, nil
}

// Execute starts a brand-new execution of workflow.
func (e *Executor) Execute(ctx context.Context, wf *model.Workflow, initialContext map[string]any) ExecutionResult {
	executionID := e.NewID()
	st := state.New(executionID, wf.ID, wf.StartNodeID, initialContext)
	e.emit(ctx, hooks.ExecutionStarted, st, "")
	return e.run(ctx, wf, st)
}

// ExecuteFrom rehydrates an execution from a snapshot and continues it.
// Used by manual resume and the recovery sweeper.
func (e *Executor) ExecuteFrom(ctx context.Context, wf *model.Workflow, snapshot *state.HensuSnapshot) ExecutionResult {
	st := snapshot.Restore()
	return e.run(ctx, wf, st)
}

func (e *Executor) run(ctx context.Context, wf *model.Workflow, st *state.HensuState) ExecutionResult {
	stepCap := e.StepCap
	if stepCap <= 0 {
		stepCap = DefaultStepCap
	}

	// Scope the rubric engine (and the pipeline that holds it) to this
	// workflow's own Rubrics catalog. One Executor/Pipeline pair is shared
	// across every execution a tenant runs, so this can never be stored on
	// either of those long-lived structs without leaking one workflow's
	// rubrics into another's concurrent execution.
	rubrics := rubric.New(wf.Rubrics, e.Evaluator)
	pl := *e.Pipeline
	pl.Rubrics = rubrics

	ec := e.buildExecutionContext(wf, st, rubrics)

	for steps := 0; ; steps++ {
		if steps >= stepCap {
			err := toolerrors.Newf(toolerrors.KindStepCapExceeded, "execution budget exceeded (%d steps)", stepCap)
			e.checkpoint(ctx, st, state.ReasonFailed)
			e.emitError(ctx, st, err)
			return ExecutionResult{Kind: Failure, State: st, Err: err}
		}

		n, ok := wf.Node(st.CurrentNodeID)
		if !ok {
			err := toolerrors.Newf(toolerrors.KindMissingNode, "node %q not found in workflow %q", st.CurrentNodeID, wf.ID)
			e.checkpoint(ctx, st, state.ReasonFailed)
			e.emitError(ctx, st, err)
			return ExecutionResult{Kind: Failure, State: st, Err: err}
		}

		result, err := e.Nodes.Execute(ctx, &n, ec, st)
		if err != nil {
			var paused *plan.PausedError
			if errors.As(err, &paused) {
				e.checkpoint(ctx, st, state.ReasonPaused)
				e.emitPaused(ctx, st)
				return ExecutionResult{Kind: Paused, State: st}
			}
			e.checkpoint(ctx, st, state.ReasonFailed)
			e.emitError(ctx, st, err)
			return ExecutionResult{Kind: Failure, State: st, Err: err}
		}

		outcome := pl.Run(ctx, &n, result, st, e.hasRubric(wf))

		switch outcome.Kind {
		case pipeline.Failure:
			e.checkpoint(ctx, st, state.ReasonFailed)
			e.emitError(ctx, st, outcome.Err)
			return ExecutionResult{Kind: Failure, State: st, Err: outcome.Err}

		case pipeline.Rejected:
			e.checkpoint(ctx, st, state.ReasonRejected)
			e.emit(ctx, hooks.ExecutionCompleted, st, "")
			return ExecutionResult{Kind: Rejected, State: st, Err: outcome.Err}
		}

		if end, ok := wf.Node(st.CurrentNodeID); ok && end.Kind == model.NodeEnd {
			if end.End.Status == model.ExitSuccess {
				e.checkpoint(ctx, st, state.ReasonCompleted)
				e.emit(ctx, hooks.ExecutionCompleted, st, result.Output)
				e.metrics().IncCounter("hensu_executions_total", 1, "workflow_id", wf.ID, "outcome", "completed")
				return ExecutionResult{Kind: Completed, State: st}
			}
			e.checkpoint(ctx, st, state.ReasonRejected)
			e.emit(ctx, hooks.ExecutionCompleted, st, result.Output)
			e.metrics().IncCounter("hensu_executions_total", 1, "workflow_id", wf.ID, "outcome", "rejected")
			return ExecutionResult{Kind: Rejected, State: st}
		}

		e.checkpoint(ctx, st, state.ReasonCheckpoint)
	}
}

func (e *Executor) hasRubric(wf *model.Workflow) func(nodeID string) bool {
	return func(nodeID string) bool {
		n, ok := wf.Node(nodeID)
		return ok && n.RubricID != ""
	}
}

func (e *Executor) checkpoint(ctx context.Context, st *state.HensuState, reason state.CheckpointReason) {
	if e.Store == nil {
		return
	}
	snapshot := st.Snapshot(reason)
	if err := e.Store.Save(ctx, e.TenantID, snapshot); err != nil {
		e.logger().Error(ctx, "checkpoint save failed", "execution_id", st.ExecutionID, "reason", string(reason), "error", err)
	}
}

func (e *Executor) logger() telemetry.Logger {
	if e.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return e.Logger
}

func (e *Executor) metrics() telemetry.Metrics {
	if e.Metrics == nil {
		return telemetry.NewNoopMetrics()
	}
	return e.Metrics
}

func (e *Executor) emit(ctx context.Context, typ hooks.EventType, st *state.HensuState, output string) {
	if e.Bus == nil {
		return
	}
	ev := hooks.New(typ, st.ExecutionID, st.WorkflowID)
	ev.NodeID = st.CurrentNodeID
	ev.FinalNodeID = st.CurrentNodeID
	ev.Output = output
	_ = e.Bus.Publish(ctx, ev)
}

func (e *Executor) emitPaused(ctx context.Context, st *state.HensuState) {
	if e.Bus == nil {
		return
	}
	ev := hooks.New(hooks.ExecutionPaused, st.ExecutionID, st.WorkflowID)
	ev.NodeID = st.CurrentNodeID
	_ = e.Bus.Publish(ctx, ev)
}

func (e *Executor) emitError(ctx context.Context, st *state.HensuState, err error) {
	e.logger().Error(ctx, "execution failed", "execution_id", st.ExecutionID, "node_id", st.CurrentNodeID, "error", err)
	e.metrics().IncCounter("hensu_executions_total", 1, "workflow_id", st.WorkflowID, "outcome", "failure")
	if e.Bus == nil {
		return
	}
	ev := hooks.New(hooks.ExecutionError, st.ExecutionID, st.WorkflowID)
	ev.NodeID = st.CurrentNodeID
	if err != nil {
		ev.Error = err.Error()
	}
	_ = e.Bus.Publish(ctx, ev)
}
