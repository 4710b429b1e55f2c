package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/config"
	"github.com/hensu-run/hensu/executor"
	"github.com/hensu-run/hensu/model"
)

func rubricWorkflow(t *testing.T) *model.Workflow {
	t.Helper()
	wf, err := model.New(model.Workflow{
		ID:          "wf-rubric",
		StartNodeID: "n1",
		Agents:      map[string]model.AgentConfig{"a": {ID: "a", Model: "stub", Role: "a"}},
		Rubrics: map[string]model.Rubric{
			"quality": {
				ID:            "quality",
				PassThreshold: 0,
				Criteria: []model.Criterion{
					{ID: "c1", Name: "quality", Weight: 1, MinScore: 0},
				},
			},
		},
		Nodes: map[string]model.Node{
			"n1": {
				ID:       "n1",
				Kind:     model.NodeStandard,
				RubricID: "quality",
				Standard: &model.StandardNode{AgentID: "a"},
				TransitionRules: []model.TransitionRule{
					{Kind: model.TransitionSuccess, Success: &model.SuccessTransition{Target: "end"}},
				},
			},
			"end": {ID: "end", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess}},
		},
	})
	require.NoError(t, err)
	return wf
}

// TestEnvironment_StartResolvesWorkflowRubric guards against the rubric
// engine being built over an empty catalog: n1 carries a rubric the
// workflow itself registers, and the execution must reach the End node
// rather than fail with "rubric not found".
func TestEnvironment_StartResolvesWorkflowRubric(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Storage.SQLitePath = ":memory:"
	cfg.Agents.StubEnabled = true

	env, err := Open(ctx, &cfg, "node-1", Collaborators{})
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.RegisterWorkflow(ctx, rubricWorkflow(t)))

	result, err := env.Start(ctx, "wf-rubric", nil)
	require.NoError(t, err)
	require.Nil(t, result.Err)
	require.Equal(t, executor.Completed, result.Kind)
	require.NotNil(t, result.State.RubricEvaluation)
	require.Equal(t, "quality", result.State.RubricEvaluation.RubricID)
}

// TestEnvironment_StartIsolatesRubricsAcrossWorkflows proves one Executor
// serving two different workflows never lets the second workflow's rubric
// catalog leak into, or be masked by, the first's.
func TestEnvironment_StartIsolatesRubricsAcrossWorkflows(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Storage.SQLitePath = ":memory:"
	cfg.Agents.StubEnabled = true

	env, err := Open(ctx, &cfg, "node-1", Collaborators{})
	require.NoError(t, err)
	defer env.Close()

	plain, err := model.New(model.Workflow{
		ID:          "wf-plain",
		StartNodeID: "n1",
		Agents:      map[string]model.AgentConfig{"a": {ID: "a", Model: "stub", Role: "a"}},
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeStandard, Standard: &model.StandardNode{AgentID: "a"},
				TransitionRules: []model.TransitionRule{{Kind: model.TransitionSuccess, Success: &model.SuccessTransition{Target: "end"}}}},
			"end": {ID: "end", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, env.RegisterWorkflow(ctx, rubricWorkflow(t)))
	require.NoError(t, env.RegisterWorkflow(ctx, plain))

	rubricResult, err := env.Start(ctx, "wf-rubric", nil)
	require.NoError(t, err)
	require.Equal(t, executor.Completed, rubricResult.Kind)

	plainResult, err := env.Start(ctx, "wf-plain", nil)
	require.NoError(t, err)
	require.Equal(t, executor.Completed, plainResult.Kind)
	require.Nil(t, plainResult.State.RubricEvaluation)
}
