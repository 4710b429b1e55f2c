// Package transition evaluates a node's ordered TransitionRule list against
// a NodeResult and the execution's state to choose the next node id (C5).
package transition

import (
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
)

// Evaluate walks rules in definition order and returns the first non-empty
// target. ok is false if no rule matched, which the caller (the Transition
// post-processor) treats as a failure unless the node is an End node.
func Evaluate(rules []model.TransitionRule, result state.NodeResult, st *state.HensuState) (target string, ok bool) {
	for _, rule := range rules {
		if t, matched := evaluateOne(rule, result, st); matched {
			return t, true
		}
	}
	return "", false
}

func evaluateOne(rule model.TransitionRule, result state.NodeResult, st *state.HensuState) (string, bool) {
	switch rule.Kind {
	case model.TransitionSuccess:
		if rule.Success != nil && result.Status == state.StatusSuccess {
			return rule.Success.Target, true
		}
		return "", false

	case model.TransitionFailure:
		if rule.Failure == nil || result.Status != state.StatusFailure {
			return "", false
		}
		st.RetryCount++
		if st.RetryCount <= rule.Failure.RetryCount {
			return st.CurrentNodeID, true
		}
		return rule.Failure.Target, true

	case model.TransitionAlways:
		if rule.Always != nil {
			return rule.Always.Target, true
		}
		return "", false

	case model.TransitionScore:
		if rule.Score == nil {
			return "", false
		}
		score, ok := extractScore(st)
		if !ok {
			return "", false
		}
		return matchScoreConditions(rule.Score.Conditions, score)

	case model.TransitionRubricFail:
		if rule.Rubric == nil {
			return "", false
		}
		if st.RubricEvaluation == nil {
			return "", false
		}
		if !st.RubricEvaluation.Passed {
			return rule.Rubric.FailTarget, true
		}
		if rule.Rubric.PassTarget != "" {
			return rule.Rubric.PassTarget, true
		}
		return "", false

	default:
		return "", false
	}
}

// extractScore prefers the rubric evaluation stored on state; context-based
// score keys are only a fallback for nodes without a rubric.
func extractScore(st *state.HensuState) (float64, bool) {
	if st.RubricEvaluation != nil {
		return st.RubricEvaluation.Score, true
	}
	for _, key := range []string{"score", "final_score", "quality_score", "evaluation_score"} {
		if raw, ok := st.Context[key]; ok {
			if v, ok := numericValue(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func matchScoreConditions(conditions []model.ScoreCondition, score float64) (string, bool) {
	for _, c := range conditions {
		if scoreMatches(c, score) {
			return c.Target, true
		}
	}
	return "", false
}

func scoreMatches(c model.ScoreCondition, score float64) bool {
	switch c.Op {
	case model.ScoreGT:
		return score > c.Value
	case model.ScoreGTE:
		return score >= c.Value
	case model.ScoreLT:
		return score < c.Value
	case model.ScoreLTE:
		return score <= c.Value
	case model.ScoreEQ:
		return score == c.Value
	case model.ScoreRange:
		return score >= c.RangeLow && score <= c.RangeHigh
	default:
		return false
	}
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
	default:
		return 0, false
	}
}
