package node

import (
	"context"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeEnd(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.End
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "end node missing variant payload")
	}
	status := state.StatusSuccess
	if spec.Status == model.ExitFailure {
		status = state.StatusFailure
	}
	return state.NodeResult{Status: status, Metadata: map[string]any{"exit_status": string(spec.Status)}}, nil
}
