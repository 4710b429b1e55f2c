package node

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
)

func TestExecuteFork_RunsEveryTargetAndStashesResults(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	ec := &ExecutionContext{ForkBranch: func(ctx context.Context, targetNodeID string) (state.NodeResult, error) {
		mu.Lock()
		seen[targetNodeID] = true
		mu.Unlock()
		if targetNodeID == "bad" {
			return state.NodeResult{}, errors.New("branch errored")
		}
		return state.Success("out-"+targetNodeID, nil), nil
	}}
	n := &model.Node{Kind: model.NodeFork, Fork: &model.ForkNode{Targets: []string{"a", "b", "bad"}}}
	st := state.New("e", "w", "n", nil)

	result, err := executeFork(context.Background(), n, ec, st)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, result.Status)
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.True(t, seen["bad"])

	raw, ok := st.Context[forkResultsKey].(map[string]any)
	require.True(t, ok)
	assert.Len(t, raw, 3)
	badEntry := raw["bad"].(map[string]any)
	assert.Equal(t, string(state.StatusFailure), badEntry["status"])
}

func TestExecuteFork_NoBranchRunnerIsInvariantViolation(t *testing.T) {
	n := &model.Node{Kind: model.NodeFork, Fork: &model.ForkNode{Targets: []string{"a"}}}
	_, err := executeFork(context.Background(), n, &ExecutionContext{}, state.New("e", "w", "n", nil))
	require.Error(t, err)
}

func forkedState(targets map[string]state.NodeResult) *state.HensuState {
	st := state.New("e", "w", "n", nil)
	raw := make(map[string]any, len(targets))
	for k, v := range targets {
		raw[k] = map[string]any{"status": string(v.Status), "output": v.Output}
	}
	st.Context[forkResultsKey] = raw
	return st
}

func TestExecuteJoin_ConcatenateMergesInTargetOrder(t *testing.T) {
	st := forkedState(map[string]state.NodeResult{
		"a": state.Success("first", nil),
		"b": state.Success("second", nil),
	})
	n := &model.Node{Kind: model.NodeJoin, Join: &model.JoinNode{
		AwaitTargets:  []string{"a", "b"},
		MergeStrategy: model.MergeConcatenate,
		OutputField:   "joined",
	}}

	result, err := executeJoin(context.Background(), n, &ExecutionContext{}, st)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, result.Status)
	assert.Equal(t, "first\nsecond", result.Output)
	assert.Equal(t, "first\nsecond", st.Context["joined"])
	_, stillThere := st.Context[forkResultsKey]
	assert.False(t, stillThere, "join consumes the fork results once merged")
}

func TestExecuteJoin_MissingTargetFails(t *testing.T) {
	st := forkedState(map[string]state.NodeResult{"a": state.Success("ok", nil)})
	n := &model.Node{Kind: model.NodeJoin, Join: &model.JoinNode{AwaitTargets: []string{"a", "missing"}, MergeStrategy: model.MergeConcatenate}}

	result, err := executeJoin(context.Background(), n, &ExecutionContext{}, st)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailure, result.Status)
}

func TestExecuteJoin_FailedBranchFails(t *testing.T) {
	st := forkedState(map[string]state.NodeResult{
		"a": state.Success("ok", nil),
		"b": state.Failure("boom", nil),
	})
	n := &model.Node{Kind: model.NodeJoin, Join: &model.JoinNode{AwaitTargets: []string{"a", "b"}, MergeStrategy: model.MergeConcatenate}}

	result, err := executeJoin(context.Background(), n, &ExecutionContext{}, st)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailure, result.Status)
}

func TestExecuteJoin_CustomMergeDispatchesToRegisteredHandler(t *testing.T) {
	st := forkedState(map[string]state.NodeResult{"a": state.Success("x", nil)})
	ec := &ExecutionContext{MergeHandlers: map[string]MergeFunc{
		"upper": func(outputs map[string]state.NodeResult) (string, error) {
			return outputs["a"].Output + "!", nil
		},
	}}
	n := &model.Node{Kind: model.NodeJoin, Join: &model.JoinNode{AwaitTargets: []string{"a"}, MergeStrategy: model.MergeCustom, CustomMergeID: "upper"}}

	result, err := executeJoin(context.Background(), n, ec, st)
	require.NoError(t, err)
	assert.Equal(t, "x!", result.Output)
}

func TestExecuteSubWorkflow_MapsInputAndOutput(t *testing.T) {
	var gotWorkflowID string
	var gotInput map[string]any
	ec := &ExecutionContext{SubWorkflows: func(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error) {
		gotWorkflowID = workflowID
		gotInput = input
		return map[string]any{"childResult": "42"}, nil
	}}
	n := &model.Node{Kind: model.NodeSubWorkflow, SubWorkflow: &model.SubWorkflowNode{
		WorkflowID:    "child-wf",
		InputMapping:  map[string]string{"parentVal": "childVal"},
		OutputMapping: map[string]string{"childResult": "parentResult"},
	}}
	st := state.New("e", "w", "n", map[string]any{"parentVal": "hello"})

	result, err := executeSubWorkflow(context.Background(), n, ec, st)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, result.Status)
	assert.Equal(t, "child-wf", gotWorkflowID)
	assert.Equal(t, "hello", gotInput["childVal"])
	assert.Equal(t, "42", st.Context["parentResult"])
}

func TestExecuteSubWorkflow_PropagatedFailureBecomesNodeFailure(t *testing.T) {
	ec := &ExecutionContext{SubWorkflows: func(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error) {
		return nil, errors.New("child workflow blew up")
	}}
	n := &model.Node{Kind: model.NodeSubWorkflow, SubWorkflow: &model.SubWorkflowNode{WorkflowID: "child"}}

	result, err := executeSubWorkflow(context.Background(), n, ec, state.New("e", "w", "n", nil))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailure, result.Status)
}

func TestExecuteSubWorkflow_NoRunnerIsInvariantViolation(t *testing.T) {
	n := &model.Node{Kind: model.NodeSubWorkflow, SubWorkflow: &model.SubWorkflowNode{WorkflowID: "child"}}
	_, err := executeSubWorkflow(context.Background(), n, &ExecutionContext{}, state.New("e", "w", "n", nil))
	require.Error(t, err)
}
