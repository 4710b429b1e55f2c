package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeJoin(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Join
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "join node missing variant payload")
	}

	raw, _ := st.Context[forkResultsKey].(map[string]any)
	outputs := make(map[string]string, len(spec.AwaitTargets))
	for _, target := range spec.AwaitTargets {
		entry, ok := raw[target]
		if !ok {
			return state.Failure(fmt.Sprintf("join is missing result for fork target %q", target), nil), nil
		}
		m, _ := entry.(map[string]any)
		status, _ := m["status"].(string)
		if status != string(state.StatusSuccess) {
			return state.Failure(fmt.Sprintf("fork target %q did not succeed", target), map[string]any{"outputs": outputs}), nil
		}
		output, _ := m["output"].(string)
		outputs[target] = output
	}

	merged, err := mergeJoinOutputs(spec, outputs, ec)
	if err != nil {
		return state.NodeResult{}, err
	}

	delete(st.Context, forkResultsKey)
	result := map[string]any{}
	for k, v := range outputs {
		result[k] = v
	}
	if spec.OutputField != "" {
		st.Context[spec.OutputField] = merged
	}
	return state.Success(merged, map[string]any{"branch_outputs": result}), nil
}

func mergeJoinOutputs(spec *model.JoinNode, outputs map[string]string, ec *ExecutionContext) (string, error) {
	switch spec.MergeStrategy {
	case model.MergeFirstCompleted:
		for _, t := range spec.AwaitTargets {
			return outputs[t], nil
		}
		return "", nil
	case model.MergeConcatenate:
		parts := make([]string, 0, len(spec.AwaitTargets))
		for _, t := range spec.AwaitTargets {
			parts = append(parts, outputs[t])
		}
		return strings.Join(parts, "\n"), nil
	case model.MergeMaps, model.MergeCollectAll:
		parts := make([]string, 0, len(spec.AwaitTargets))
		for _, t := range spec.AwaitTargets {
			parts = append(parts, fmt.Sprintf("%s: %s", t, outputs[t]))
		}
		return strings.Join(parts, "\n"), nil
	case model.MergeCustom:
		fn, ok := ec.MergeHandlers[spec.CustomMergeID]
		if !ok {
			return "", toolerrors.Newf(toolerrors.KindInvariantViolated, "no custom merge handler registered for %q", spec.CustomMergeID)
		}
		results := make(map[string]state.NodeResult, len(outputs))
		for k, v := range outputs {
			results[k] = state.Success(v, nil)
		}
		return fn(results)
	default:
		return "", toolerrors.Newf(toolerrors.KindInvariantViolated, "unknown merge strategy %q", spec.MergeStrategy)
	}
}
