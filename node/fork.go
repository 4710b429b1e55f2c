package node

import (
	"sync"

	"context"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

// forkResultsKey is where Fork stashes its concurrent branch outcomes for
// the matching Join to pick up. It never leaves the internal context map
// that crosses the persistence boundary, so it is namespaced defensively.
const forkResultsKey = "__hensu_fork_results__"

func executeFork(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Fork
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "fork node missing variant payload")
	}
	if ec.ForkBranch == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "fork node requires a branch runner")
	}

	type outcome struct {
		result state.NodeResult
		err    error
	}
	outcomes := make(map[string]outcome, len(spec.Targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range spec.Targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			r, err := ec.ForkBranch(ctx, t)
			mu.Lock()
			outcomes[t] = outcome{result: r, err: err}
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	results := make(map[string]any, len(outcomes))
	for target, o := range outcomes {
		if o.err != nil {
			results[target] = map[string]any{"status": string(state.StatusFailure), "output": o.err.Error()}
			continue
		}
		results[target] = map[string]any{"status": string(o.result.Status), "output": o.result.Output}
	}
	st.Context[forkResultsKey] = results

	return state.Success("", map[string]any{"fork_targets": spec.Targets}), nil
}
