package node

import (
	"context"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeSubWorkflow(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.SubWorkflow
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "sub_workflow node missing variant payload")
	}
	if ec.SubWorkflows == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "sub_workflow node requires a sub-workflow runner")
	}

	input := make(map[string]any, len(spec.InputMapping))
	for parentKey, childKey := range spec.InputMapping {
		input[childKey] = st.Context[parentKey]
	}

	output, err := ec.SubWorkflows(ctx, spec.WorkflowID, input)
	if err != nil {
		return state.Failure(err.Error(), nil), nil
	}

	for childKey, parentKey := range spec.OutputMapping {
		st.Context[parentKey] = output[childKey]
	}

	return state.Success("", map[string]any{"sub_workflow_id": spec.WorkflowID}), nil
}
