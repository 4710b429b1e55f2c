package rubric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
)

func oneCriterionRubric(id string, minScore, passThreshold float64) map[string]model.Rubric {
	return map[string]model.Rubric{
		id: {
			ID:            id,
			PassThreshold: passThreshold,
			Criteria: []model.Criterion{
				{ID: "c1", Weight: 1, MinScore: minScore, EvaluationType: model.EvaluationAutomated},
			},
		},
	}
}

func TestEvaluate_UnknownRubric(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Evaluate(context.Background(), "missing", state.Success("ok", nil), nil)
	require.Error(t, err)
}

func TestEvaluate_FailFastOnFailedResult(t *testing.T) {
	e := New(oneCriterionRubric("r1", 0, 50), nil)
	eval, err := e.Evaluate(context.Background(), "r1", state.Failure("boom", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, eval.Score)
	assert.False(t, eval.Passed)
}

func TestEvaluate_ContextScoreShortCircuit(t *testing.T) {
	e := New(oneCriterionRubric("r1", 0, 50), nil)
	eval, err := e.Evaluate(context.Background(), "r1", state.Success("anything", nil), map[string]any{"score": 91})
	require.NoError(t, err)
	assert.Equal(t, 91.0, eval.Score)
	assert.True(t, eval.Passed)
}

func TestEvaluate_JSONSelfReportFirstObjectWins(t *testing.T) {
	e := New(oneCriterionRubric("r1", 0, 50), nil)
	output := `Here is my evaluation: {"score": 42, "recommendation": "try again"} and then a second unrelated blob {"score": 99}`
	eval, err := e.Evaluate(context.Background(), "r1", state.Success(output, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, eval.Score, "only the first JSON object in the output should be consulted")
	assert.False(t, eval.Passed, "42 is below the 50 pass threshold")
}

func TestEvaluate_JSONSelfReportRecommendationOnlyBelowMin(t *testing.T) {
	e := New(oneCriterionRubric("r1", 90, 50), nil)
	output := `{"score": 95, "recommendation": "should not surface"}`
	eval, err := e.Evaluate(context.Background(), "r1", state.Success(output, nil), nil)
	require.NoError(t, err)
	assert.Empty(t, eval.Recommendations, "recommendation is only surfaced when score falls below minScore")
}

func TestEvaluate_KeywordHeuristicFallback(t *testing.T) {
	e := New(oneCriterionRubric("r1", 0, 50), nil)
	eval, err := e.Evaluate(context.Background(), "r1", state.Success("this was an excellent piece of work", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 95.0, eval.Score)
}

type stubEvaluator struct {
	resp agentapi.AgentResponse
	err  error
}

func (s stubEvaluator) Respond(ctx context.Context, prompt string, history []agentapi.Message) (agentapi.AgentResponse, error) {
	return s.resp, s.err
}

func TestEvaluate_LLMBasedUsesEvaluatorScore(t *testing.T) {
	rubrics := map[string]model.Rubric{
		"r1": {
			ID:            "r1",
			PassThreshold: 50,
			Criteria: []model.Criterion{
				{ID: "c1", Weight: 1, MinScore: 0, EvaluationType: model.EvaluationLLMBased},
			},
		},
	}
	evaluator := stubEvaluator{resp: agentapi.AgentResponse{Kind: agentapi.ResponseText, Text: `{"score": 77}`}}
	e := New(rubrics, evaluator)

	eval, err := e.Evaluate(context.Background(), "r1", state.Success("some output", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 77.0, eval.Score)
}

func TestEvaluate_LLMBasedFallsBackToNeutralOnError(t *testing.T) {
	rubrics := map[string]model.Rubric{
		"r1": {
			ID:            "r1",
			PassThreshold: 10,
			Criteria: []model.Criterion{
				{ID: "c1", Weight: 1, MinScore: 0, EvaluationType: model.EvaluationLLMBased},
			},
		},
	}
	evaluator := stubEvaluator{err: assertErr{}}
	e := New(rubrics, evaluator)

	eval, err := e.Evaluate(context.Background(), "r1", state.Success("some output", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, eval.Score, "evaluator failure falls back to the neutral score")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestEvaluate_WeightedAverageAndAllAboveMinGatesPass(t *testing.T) {
	rubrics := map[string]model.Rubric{
		"r1": {
			ID:            "r1",
			PassThreshold: 50,
			Criteria: []model.Criterion{
				{ID: "low", Weight: 1, MinScore: 90},
				{ID: "high", Weight: 1, MinScore: 0},
			},
		},
	}
	e := New(rubrics, nil)
	// keyword heuristic gives a neutral 50 for output with no sentiment keywords,
	// which is above the overall pass threshold but below "low"'s MinScore of 90.
	eval, err := e.Evaluate(context.Background(), "r1", state.Success("a perfectly ordinary report", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, eval.Score)
	assert.False(t, eval.Passed, "a single criterion scoring below its MinScore fails the whole evaluation even if the average clears PassThreshold")
}
