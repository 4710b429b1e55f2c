package node

import (
	"context"
	"errors"
	"time"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/plan"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/template"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeStandard(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Standard
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "standard node missing variant payload")
	}

	cfg, ok := ec.Workflow.Agent(spec.AgentID)
	if !ok {
		return state.NodeResult{}, toolerrors.Newf(toolerrors.KindAgentNotFound, "agent %q not found", spec.AgentID)
	}

	agent, err := ec.Agents.Resolve(cfg.Model, cfg.Role, cfg.Temperature, cfg.MaxTokens, cfg.Instructions)
	if err != nil {
		return state.NodeResult{}, err
	}

	ctx, cancel := withNodeTimeout(ctx, ec, 0)
	defer cancel()

	prompt := template.Resolve(spec.Prompt, st.Context)
	resp, err := agent.Respond(ctx, prompt, nil)
	if err != nil {
		return state.Failure(err.Error(), map[string]any{"kind": string(toolerrors.KindAgentExecutionError)}), nil
	}

	switch resp.Kind {
	case agentapi.ResponseText:
		return state.Success(resp.Text, map[string]any{"model": cfg.Model, "agent_id": spec.AgentID}), nil

	case agentapi.ResponseToolRequest:
		if spec.Planning.Mode != model.PlanningEnabled {
			return state.Failure("agent requested a tool call but planning is disabled for this node", map[string]any{"kind": string(toolerrors.KindPlanCreationError)}), nil
		}
		p := model.Plan{
			Origin: model.PlanOriginAgent,
			Steps: []model.PlannedStep{{
				Index:     0,
				ToolName:  resp.ToolRequest.Name,
				Arguments: resp.ToolRequest.Arguments,
				Status:    model.StepPending,
			}},
		}
		return runPlan(ctx, ec, st, spec, p)

	case agentapi.ResponsePlanProposal:
		if spec.Planning.Mode != model.PlanningEnabled {
			return state.Failure("agent produced a plan proposal but planning is disabled for this node", map[string]any{"kind": string(toolerrors.KindPlanCreationError)}), nil
		}
		steps := make([]model.PlannedStep, len(resp.PlanProposal.Steps))
		for i, s := range resp.PlanProposal.Steps {
			steps[i] = model.PlannedStep{Index: i, ToolName: s.Name, Arguments: s.Arguments, Status: model.StepPending}
		}
		p := model.Plan{Origin: model.PlanOriginAgent, Steps: steps}
		return runPlan(ctx, ec, st, spec, p)

	case agentapi.ResponseError:
		msg := "agent returned an error"
		if resp.Err != nil {
			msg = resp.Err.Error()
		}
		return state.Failure(msg, map[string]any{"kind": string(toolerrors.KindAgentExecutionError)}), nil

	default:
		return state.Failure("agent returned an unrecognized response kind", map[string]any{"kind": string(toolerrors.KindAgentExecutionError)}), nil
	}
}

func runPlan(ctx context.Context, ec *ExecutionContext, st *state.HensuState, spec *model.StandardNode, p model.Plan) (state.NodeResult, error) {
	if ec.Tools == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindPlanCreationError, "no tool dispatcher configured")
	}
	executor := plan.New(ec.Tools, ec.Planner, ec.Bus)
	constraints := plan.Constraints{
		MaxSteps:         spec.Planning.MaxSteps,
		MaxReplans:       spec.Planning.MaxReplans,
		PauseAfterCreate: spec.Planning.ReviewGated,
	}
	if spec.Planning.TimeoutSecs > 0 {
		constraints.Timeout = time.Duration(spec.Planning.TimeoutSecs) * time.Second
	}

	st.ActivePlan = &state.PlanSnapshot{Plan: p}
	result, err := executor.Run(ctx, p, st.Context, constraints, st.ExecutionID, st.WorkflowID, st.CurrentNodeID)
	st.ActivePlan = &state.PlanSnapshot{Plan: result.Plan, RevisionCount: result.RevisionCount}

	var paused *plan.PausedError
	if errors.As(err, &paused) {
		// Propagated as an error, not a NodeResult: the enclosing Executor
		// loop recognizes *plan.PausedError and reports Paused without
		// recording a history step, since no NodeResult was produced.
		return state.NodeResult{}, err
	}

	if err != nil || !result.Success {
		meta := map[string]any{"kind": string(toolerrors.KindPlanCreationError), "plan_failed": true}
		if spec.PlanFailureTarget != "" {
			meta["plan_failure_target"] = spec.PlanFailureTarget
		}
		msg := "plan execution failed"
		if err != nil {
			msg = err.Error()
		}
		return state.Failure(msg, meta), nil
	}
	return state.Success(result.Output, map[string]any{"plan_revisions": result.RevisionCount}), nil
}
