package node

import (
	"context"
	"fmt"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/template"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeAction(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Action
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "action node missing variant payload")
	}

	var handlerID string
	var payload map[string]any
	switch spec.Action.Kind {
	case model.ActionSend:
		handlerID = spec.Action.HandlerID
		payload = spec.Action.Payload
	case model.ActionExecute:
		handlerID = spec.Action.CommandID
		payload = spec.Action.Args
	default:
		return state.NodeResult{}, toolerrors.Newf(toolerrors.KindInvariantViolated, "unknown action kind %q", spec.Action.Kind)
	}

	handler, ok := ec.ActionHandlers[handlerID]
	if !ok {
		return state.Failure(fmt.Sprintf("no action handler registered for %q", handlerID), map[string]any{"kind": string(toolerrors.KindActionHandlerMissing)}), nil
	}

	resolved := resolvePayload(payload, st.Context)
	ctx, cancel := withNodeTimeout(ctx, ec, 0)
	defer cancel()

	out, err := handler.Execute(ctx, resolved)
	if err != nil {
		return state.Failure(err.Error(), map[string]any{"kind": string(toolerrors.KindActionExecutionError)}), nil
	}
	return state.Success(stringifyResult(out), map[string]any{"action_result": out}), nil
}

func resolvePayload(payload map[string]any, context map[string]any) map[string]any {
	resolved := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			resolved[k] = template.Resolve(s, context)
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

func stringifyResult(out map[string]any) string {
	if out == nil {
		return ""
	}
	if v, ok := out["output"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%v", out)
}
