// Package rubric implements weighted, multi-strategy scoring of a node's
// output against a configured Rubric (C6).
package rubric

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

// Engine evaluates Rubrics against node results.
type Engine struct {
	rubrics  map[string]model.Rubric
	evaluator agentapi.Agent
}

// New builds an Engine over the given rubric catalog. evaluator may be nil,
// in which case LLM_BASED criteria fall through to the keyword heuristic.
func New(rubrics map[string]model.Rubric, evaluator agentapi.Agent) *Engine {
	return &Engine{rubrics: rubrics, evaluator: evaluator}
}

// Evaluate scores result against the rubric named rubricID and returns the
// aggregate evaluation. recommendations accumulates free-form guidance
// surfaced to the reviewer/operator.
func (e *Engine) Evaluate(ctx context.Context, rubricID string, result state.NodeResult, execContext map[string]any) (model.RubricEvaluation, error) {
	rub, ok := e.rubrics[rubricID]
	if !ok {
		return model.RubricEvaluation{}, toolerrors.Newf(toolerrors.KindRubricNotFound, "rubric %q is not registered", rubricID)
	}

	var recommendations []string
	results := make([]model.CriterionResult, 0, len(rub.Criteria))
	var weightedSum, weightTotal float64
	allAboveMin := true

	for _, crit := range rub.Criteria {
		score, recs := e.evaluateCriterion(ctx, crit, result, execContext)
		recommendations = append(recommendations, recs...)

		passed := score >= crit.MinScore
		if !passed {
			allAboveMin = false
		}
		results = append(results, model.CriterionResult{CriterionID: crit.ID, Score: score, Passed: passed})

		weightedSum += score * crit.Weight
		weightTotal += crit.Weight
	}

	finalScore := 0.0
	if weightTotal > 0 {
		finalScore = weightedSum / weightTotal
	}

	return model.RubricEvaluation{
		RubricID:        rubricID,
		Score:           finalScore,
		Passed:          finalScore >= rub.PassThreshold && allAboveMin,
		Criteria:        results,
		Recommendations: recommendations,
	}, nil
}

func (e *Engine) evaluateCriterion(ctx context.Context, crit model.Criterion, result state.NodeResult, execContext map[string]any) (float64, []string) {
	var recommendations []string

	// Fail-fast.
	if result.Status == state.StatusFailure || strings.TrimSpace(result.Output) == "" {
		appendRecommendation(execContext, "execution failed")
		return 0, []string{"execution failed"}
	}

	// Context-score short-circuit.
	if raw, ok := execContext["score"]; ok {
		if v, ok := numericValue(raw); ok {
			return clamp(v), recommendations
		}
	}

	// JSON self-report.
	if v, rec, ok := jsonSelfReportScore(result.Output, crit.MinScore); ok {
		if rec != "" {
			recommendations = append(recommendations, rec)
			appendRecommendation(execContext, rec)
		}
		return clamp(v), recommendations
	}

	// LLM evaluator.
	if crit.EvaluationType == model.EvaluationLLMBased && e.evaluator != nil {
		score := e.llmEvaluate(ctx, crit, result.Output)
		return clamp(score), recommendations
	}

	// Fallback heuristic.
	return clamp(keywordHeuristic(crit, result.Output)), recommendations
}

// jsonSelfReportScore finds the first JSON object in output and, if it
// carries a "score" field (number or numeric string), returns it. A
// non-blank "recommendation" field is surfaced only when the score falls
// below minScore, matching the recommendation-on-failure contract.
func jsonSelfReportScore(output string, minScore float64) (float64, string, bool) {
	obj := firstJSONObject(output)
	if obj == "" {
		return 0, "", false
	}
	scoreResult := gjson.Get(obj, "score")
	if !scoreResult.Exists() {
		return 0, "", false
	}
	var score float64
	switch scoreResult.Type {
	case gjson.Number:
		score = scoreResult.Float()
	case gjson.String:
		v, err := strconv.ParseFloat(scoreResult.String(), 64)
		if err != nil {
			return 0, "", false
		}
		score = v
	default:
		return 0, "", false
	}

	rec := ""
	if score < minScore {
		if r := gjson.Get(obj, "recommendation"); r.Exists() && strings.TrimSpace(r.String()) != "" {
			rec = r.String()
		}
	}
	return score, rec, true
}

// firstJSONObject scans s for the first balanced top-level {...} substring.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if gjson.Valid(candidate) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

var scorePattern = regexp.MustCompile(`(?i)"?score"?\s*[:=]\s*(-?\d+(?:\.\d+)?)`)

// llmEvaluate builds an evaluation prompt for crit and parses the
// evaluator agent's response for a score. Any agent failure or unparsable
// response returns the neutral score of 50, per spec.
func (e *Engine) llmEvaluate(ctx context.Context, crit model.Criterion, content string) float64 {
	prompt := fmt.Sprintf(
		"Evaluate the following content against the criterion %q.\nDescription: %s\nEvaluation logic: %s\n\nRespond with a JSON object containing a \"score\" field from 0 to 100.\n\nContent:\n%s",
		crit.Name, crit.Description, crit.EvaluationLogic, content,
	)
	resp, err := e.evaluator.Respond(ctx, prompt, nil)
	if err != nil || resp.Kind == agentapi.ResponseError {
		return 50
	}
	if v, _, ok := jsonSelfReportScore(resp.Text, 0); ok {
		return v
	}
	if m := scorePattern.FindStringSubmatch(resp.Text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return 50
}

// keywordHeuristic scores output using fixed sentiment keywords, elevated
// by any of criterion.EvaluationLogic's whitespace-separated keywords that
// also appear in output.
func keywordHeuristic(crit model.Criterion, output string) float64 {
	lower := strings.ToLower(output)

	score := 50.0
	switch {
	case strings.Contains(lower, "excellent"):
		score = 95
	case strings.Contains(lower, "good"):
		score = 80
	case strings.Contains(lower, "poor"):
		score = 35
	}

	for _, kw := range strings.Fields(crit.EvaluationLogic) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			score += 5
		}
	}
	return score
}

// appendRecommendation mutates execContext["recommendations"] in place,
// appending rec to a JSON array stored as a string under that key (spec.md
// §4.6: "append a recommendation ... to ctx['recommendations']"). A nil
// execContext (evaluation run without a live execution context, as in
// unit tests) is a no-op rather than a panic.
func appendRecommendation(execContext map[string]any, rec string) {
	if execContext == nil || rec == "" {
		return
	}
	raw, _ := execContext["recommendations"].(string)
	if raw == "" {
		raw = "[]"
	}
	updated, err := sjson.Set(raw, "-1", rec)
	if err != nil {
		return
	}
	execContext["recommendations"] = updated
}

func numericValue(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
