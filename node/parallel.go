package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/template"
	"github.com/hensu-run/hensu/toolerrors"
)

type branchOutcome struct {
	branchID string
	result   state.NodeResult
	eval     *model.RubricEvaluation
	err      error
}

func executeParallel(ctx context.Context, n *model.Node, ec *ExecutionContext, st *state.HensuState) (state.NodeResult, error) {
	spec := n.Parallel
	if spec == nil {
		return state.NodeResult{}, toolerrors.New(toolerrors.KindInvariantViolated, "parallel node missing variant payload")
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]branchOutcome, len(spec.Branches))
	var wg sync.WaitGroup
	for i, branch := range spec.Branches {
		wg.Add(1)
		go func(i int, b model.Branch) {
			defer wg.Done()
			outcomes[i] = runBranch(branchCtx, ec, st, b)
		}(i, branch)
	}
	wg.Wait()

	switch spec.Consensus.Kind {
	case model.ConsensusAny:
		return aggregateAny(outcomes)
	case model.ConsensusMajority:
		return aggregateMajority(outcomes)
	default:
		return aggregateAll(outcomes)
	}
}

func runBranch(ctx context.Context, ec *ExecutionContext, st *state.HensuState, b model.Branch) branchOutcome {
	cfg, ok := ec.Workflow.Agent(b.AgentID)
	if !ok {
		return branchOutcome{branchID: b.ID, err: toolerrors.Newf(toolerrors.KindAgentNotFound, "agent %q not found", b.AgentID)}
	}
	agent, err := ec.Agents.Resolve(cfg.Model, cfg.Role, cfg.Temperature, cfg.MaxTokens, cfg.Instructions)
	if err != nil {
		return branchOutcome{branchID: b.ID, err: err}
	}
	prompt := template.Resolve(b.Prompt, st.Context)
	resp, err := agent.Respond(ctx, prompt, nil)
	if err != nil {
		return branchOutcome{branchID: b.ID, result: state.Failure(err.Error(), nil)}
	}
	if resp.Kind == agentapi.ResponseError {
		msg := "agent returned an error"
		if resp.Err != nil {
			msg = resp.Err.Error()
		}
		return branchOutcome{branchID: b.ID, result: state.Failure(msg, nil)}
	}

	result := state.Success(resp.Text, map[string]any{"agent_id": b.AgentID})
	var eval *model.RubricEvaluation
	if b.RubricID != "" && ec.Rubrics != nil {
		e, err := ec.Rubrics.Evaluate(ctx, b.RubricID, result, st.Context)
		if err != nil {
			return branchOutcome{branchID: b.ID, err: err}
		}
		eval = &e
	}
	return branchOutcome{branchID: b.ID, result: result, eval: eval}
}

func aggregateAll(outcomes []branchOutcome) (state.NodeResult, error) {
	outputs := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			return state.NodeResult{}, o.err
		}
		if o.result.Status != state.StatusSuccess || (o.eval != nil && !o.eval.Passed) {
			return state.Failure(fmt.Sprintf("branch %q did not succeed", o.branchID), map[string]any{"outputs": outputs}), nil
		}
		outputs[o.branchID] = o.result.Output
	}
	return state.Success(mergedOutput(outcomes), map[string]any{"outputs": outputs}), nil
}

// mergedOutput joins every successful branch's output for a CONSENSUS_ALL
// aggregate, in branch declaration order.
func mergedOutput(outcomes []branchOutcome) string {
	var b []byte
	for i, o := range outcomes {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, o.result.Output...)
	}
	return string(b)
}

func aggregateMajority(outcomes []branchOutcome) (state.NodeResult, error) {
	counts := map[string]int{}
	outputs := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			return state.NodeResult{}, o.err
		}
		outputs[o.branchID] = o.result.Output
		if o.result.Status == state.StatusSuccess && (o.eval == nil || o.eval.Passed) {
			counts[o.result.Output]++
		}
	}
	needed := len(outcomes)/2 + 1
	winner := ""
	best := 0
	for out, c := range counts {
		if c > best {
			best, winner = c, out
		}
	}
	if best >= needed {
		return state.Success(winner, map[string]any{"outputs": outputs}), nil
	}
	return state.Failure("parallel node did not reach majority consensus", map[string]any{"outputs": outputs}), nil
}

func aggregateAny(outcomes []branchOutcome) (state.NodeResult, error) {
	outputs := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		outputs[o.branchID] = ""
		if o.err != nil {
			continue
		}
		outputs[o.branchID] = o.result.Output
		if o.result.Status == state.StatusSuccess && (o.eval == nil || o.eval.Passed) {
			return state.Success(o.result.Output, map[string]any{"outputs": outputs, "winning_branch": o.branchID}), nil
		}
	}
	return state.Failure("no branch succeeded", map[string]any{"outputs": outputs}), nil
}
