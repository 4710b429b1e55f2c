package node

import (
	"context"
	"fmt"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeGeneric(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Generic
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "generic node missing variant payload")
	}
	handler, ok := ec.GenericHandlers[spec.ExecutorType]
	if !ok {
		return state.Failure(fmt.Sprintf("no generic handler registered for executor type %q", spec.ExecutorType), map[string]any{"kind": string(toolerrors.KindActionHandlerMissing)}), nil
	}
	return handler.Execute(ctx, spec.Config, st)
}
