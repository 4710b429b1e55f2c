// Package node implements the nine node executor variants (C3): given a
// model.Node and an ExecutionContext, produce a state.NodeResult.
package node

import (
	"context"
	"time"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/plan"
	"github.com/hensu-run/hensu/registry"
	"github.com/hensu-run/hensu/rubric"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

// GenericHandler backs a GenericNode's executorType.
type GenericHandler interface {
	Execute(ctx context.Context, config map[string]any, st *state.HensuState) (state.NodeResult, error)
}

// GenericHandlerFunc adapts a plain function to GenericHandler.
type GenericHandlerFunc func(ctx context.Context, config map[string]any, st *state.HensuState) (state.NodeResult, error)

func (f GenericHandlerFunc) Execute(ctx context.Context, config map[string]any, st *state.HensuState) (state.NodeResult, error) {
	return f(ctx, config, st)
}

// MergeFunc implements a CUSTOM Join merge strategy.
type MergeFunc func(outputs map[string]state.NodeResult) (string, error)

// SubWorkflowRunner recursively executes a nested workflow, set by the
// executor package to avoid a node<->executor import cycle.
type SubWorkflowRunner func(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error)

// BranchRunner runs one target node (a Fork target or a Loop body) through
// its node executor, in-process on the same Executor, and returns that
// node's NodeResult. Set by the executor package for the same reason as
// SubWorkflowRunner.
type BranchRunner func(ctx context.Context, targetNodeID string) (state.NodeResult, error)

// ExecutionContext bundles every collaborator a node executor may need. It
// is built once per execution (and once more for each Fork or Loop branch)
// and reused across every node in that execution.
type ExecutionContext struct {
	Workflow *model.Workflow

	Agents *agentapi.ProviderRegistry
	Rubrics *rubric.Engine
	Tools   *registry.Registry

	ActionHandlers  map[string]agentapi.ActionExecutor
	GenericHandlers map[string]GenericHandler
	MergeHandlers   map[string]MergeFunc

	Planner plan.Planner
	Bus     hooks.Bus

	SubWorkflows SubWorkflowRunner
	ForkBranch   BranchRunner

	ExecutionID    string
	DefaultTimeout time.Duration
}

// Executor runs a single Node variant and returns its result.
type Executor interface {
	Execute(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	return f(ctx, n, ec, st)
}

// Registry dispatches by model.NodeKind to the matching Executor. This is
// the single exhaustive switch the node variants are routed through.
type Registry struct {
	executors map[model.NodeKind]Executor
}

// NewRegistry builds the registry wired with the nine built-in executors.
func NewRegistry() *Registry {
	return &Registry{
		executors: map[model.NodeKind]Executor{
			model.NodeStandard:    ExecutorFunc(executeStandard),
			model.NodeParallel:    ExecutorFunc(executeParallel),
			model.NodeFork:        ExecutorFunc(executeFork),
			model.NodeJoin:        ExecutorFunc(executeJoin),
			model.NodeLoop:        ExecutorFunc(executeLoop),
			model.NodeAction:      ExecutorFunc(executeAction),
			model.NodeGeneric:     ExecutorFunc(executeGeneric),
			model.NodeSubWorkflow: ExecutorFunc(executeSubWorkflow),
			model.NodeEnd:         ExecutorFunc(executeEnd),
		},
	}
}

// Register overrides or adds an executor for kind, letting callers swap in
// a custom variant implementation.
func (r *Registry) Register(kind model.NodeKind, ex Executor) {
	r.executors[kind] = ex
}

// Execute resolves and invokes the executor for n.Kind.
func (r *Registry) Execute(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	ex, ok := r.executors[n.Kind]
	if !ok {
		return state.NodeResult{}, toolerrors.Newf(toolerrors.KindInvariantViolated, "no executor registered for node kind %q", n.Kind)
	}
	return ex.Execute(ctx, n, ec, st)
}

func timeoutFor(ec *ExecutionContext, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return ec.DefaultTimeout
}

func withNodeTimeout(ctx context.Context, ec *ExecutionContext, configured time.Duration) (context.Context, context.CancelFunc) {
	d := timeoutFor(ec, configured)
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
