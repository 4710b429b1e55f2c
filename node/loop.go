package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

func executeLoop(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Loop
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "loop node missing variant payload")
	}
	if ec.ForkBranch == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "loop node requires a branch runner to execute its body")
	}

	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	var last state.NodeResult
	for i := 0; i < maxIterations; i++ {
		result, err := ec.ForkBranch(ctx, spec.Body)
		if err != nil {
			return state.NodeResult{}, err
		}
		last = result

		for _, rule := range spec.BreakRules {
			if evalBreakCondition(rule.Condition, st.Context) {
				st.LoopBreakTarget = rule.Target
				return last, nil
			}
		}
	}
	return last, nil
}

// evalBreakCondition supports a small condition grammar: "key" (truthy),
// "!key" (falsy/absent), "key==value", "key!=value", over the execution's
// context map.
func evalBreakCondition(condition string, context map[string]any) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false
	}
	if strings.HasPrefix(condition, "!") {
		return !truthy(context[strings.TrimSpace(condition[1:])])
	}
	if idx := strings.Index(condition, "!="); idx >= 0 {
		key := strings.TrimSpace(condition[:idx])
		val := strings.TrimSpace(condition[idx+2:])
		return fmt.Sprintf("%v", context[key]) != val
	}
	if idx := strings.Index(condition, "=="); idx >= 0 {
		key := strings.TrimSpace(condition[:idx])
		val := strings.TrimSpace(condition[idx+2:])
		return fmt.Sprintf("%v", context[key]) == val
	}
	return truthy(context[condition])
}

func truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != "" && vv != "false"
	default:
		return true
	}
}
