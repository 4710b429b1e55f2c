// Package pipeline implements the fixed, ordered post-processor chain run
// after every NodeResult (C4): output extraction, history append, review,
// rubric evaluation with auto-backtrack, and transition routing.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/review"
	"github.com/hensu-run/hensu/rubric"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
	"github.com/hensu-run/hensu/transition"
	"github.com/hensu-run/hensu/validate"
)

// OutcomeKind tags the terminal signal a pipeline pass can short-circuit
// to. Continue (the zero value) means the executor loop keeps going.
type OutcomeKind string

const (
	Continue OutcomeKind = ""
	Failure  OutcomeKind = "failure"
	Rejected OutcomeKind = "rejected"
)

// Outcome is what Run returns. Kind == Continue means the pipeline ran to
// completion and st.CurrentNodeID has been advanced.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Thresholds configures the rubric auto-backtrack ladder (spec.md §9: 30,
// 60, 80 are the defaults; never hardcode them elsewhere).
type Thresholds struct {
	Critical int // below this: critical auto-backtrack
	Moderate int // below this: moderate auto-backtrack
	Minor    int // below this: minor retry-then-fallthrough
	MaxRetries int
}

// DefaultThresholds returns the spec-mandated policy defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 30, Moderate: 60, Minor: 80, MaxRetries: 3}
}

// ReviewConfigLookup resolves a node's review.Config. Most nodes have none
// (the zero Config, which review.Required always reports false for).
type ReviewConfigLookup func(nodeID string) (review.Config, bool)

// HasRubric reports whether nodeID's node carries a rubric, used by the
// auto-backtrack ladder's history walk.
type HasRubric func(nodeID string) bool

// Pipeline runs the five post-processors in order.
type Pipeline struct {
	Rubrics        *rubric.Engine
	ReviewHandler  agentapi.ReviewHandler
	ReviewConfigOf ReviewConfigLookup
	Thresholds     Thresholds

	// Now returns the timestamp recorded on history steps. New sets it to
	// time.Now; a nil Now also falls back to time.Now.
	Now func() time.Time
}

// New builds a Pipeline. reviewConfigOf may be nil (no node requires
// review); handler may be nil (auto-approve).
func New(rubrics *rubric.Engine, handler agentapi.ReviewHandler, reviewConfigOf ReviewConfigLookup, thresholds Thresholds) *Pipeline {
	return &Pipeline{Rubrics: rubrics, ReviewHandler: handler, ReviewConfigOf: reviewConfigOf, Thresholds: thresholds, Now: time.Now}
}

// Run executes the pipeline for one NodeResult against a Node, mutating st
// in place (context writes, history append, currentNodeId advance).
func (p *Pipeline) Run(ctx context.Context, n *model.Node, result state.NodeResult, st *state.HensuState, hasRubric HasRubric) Outcome {
	if outcome := p.outputExtraction(n, result, st); outcome.Kind != Continue {
		return outcome
	}

	p.history(n, result, st)

	backtracked, outcome := p.review(ctx, n, result, st)
	if outcome.Kind != Continue {
		return outcome
	}
	if backtracked {
		return Outcome{Kind: Continue}
	}

	ladderHit, outcome := p.rubric(ctx, n, result, st, hasRubric)
	if outcome.Kind != Continue {
		return outcome
	}
	if ladderHit {
		return Outcome{Kind: Continue}
	}

	return p.transition(n, result, st)
}

func (p *Pipeline) outputExtraction(n *model.Node, result state.NodeResult, st *state.HensuState) Outcome {
	if result.Output != "" {
		if err := validate.AgentOutput(result.Output); err != nil {
			return Outcome{Kind: Failure, Err: err}
		}
	}

	st.Context[st.CurrentNodeID] = result.Output

	if n.Kind == model.NodeStandard && n.Standard != nil && len(n.Standard.OutputParams) > 0 {
		var parsed map[string]any
		if json.Unmarshal([]byte(result.Output), &parsed) == nil {
			for _, key := range n.Standard.OutputParams {
				if v, ok := parsed[key]; ok {
					st.Context[key] = v
				}
			}
		}
	}
	return Outcome{Kind: Continue}
}

func (p *Pipeline) history(n *model.Node, result state.NodeResult, st *state.HensuState) {
	st.History.Append(state.ExecutionStep{
		NodeID:    st.CurrentNodeID,
		Result:    result,
		Snapshot:  snapshotContext(st.Context),
		Timestamp: p.now(),
	})
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func snapshotContext(context map[string]any) map[string]any {
	cp := make(map[string]any, len(context))
	for k, v := range context {
		cp[k] = v
	}
	return cp
}

func (p *Pipeline) review(ctx context.Context, n *model.Node, result state.NodeResult, st *state.HensuState) (backtracked bool, outcome Outcome) {
	if p.ReviewConfigOf == nil {
		return false, Outcome{Kind: Continue}
	}
	cfg, ok := p.ReviewConfigOf(st.CurrentNodeID)
	if !ok {
		return false, Outcome{Kind: Continue}
	}
	if !review.Required(cfg, result.Status == state.StatusFailure) {
		return false, Outcome{Kind: Continue}
	}

	req := agentapi.ReviewRequest{
		ExecutionID:     st.ExecutionID,
		WorkflowID:      st.WorkflowID,
		NodeID:          st.CurrentNodeID,
		Output:          result.Output,
		AllowBacktrack:  cfg.AllowBacktrack,
		AllowEditPrompt: cfg.AllowEditPrompt,
	}
	if st.RubricEvaluation != nil {
		req.RubricScore = st.RubricEvaluation.Score
	}

	decision, err := review.Resolve(ctx, p.ReviewHandler, req)
	if err != nil {
		return false, Outcome{Kind: Failure, Err: err}
	}

	switch decision.Kind {
	case agentapi.DecisionApprove:
		return false, Outcome{Kind: Continue}
	case agentapi.DecisionReject:
		return false, Outcome{Kind: Rejected, Err: toolerrors.Newf(toolerrors.KindReviewRejected, "review rejected: %s", decision.RejectReason)}
	case agentapi.DecisionBacktrack:
		from := st.CurrentNodeID
		st.CurrentNodeID = decision.BacktrackTarget
		st.ResetRetryCount()
		st.History.Append(state.ExecutionStep{
			NodeID:    from,
			Result:    result,
			Snapshot:  snapshotContext(st.Context),
			Timestamp: p.now(),
			Backtrack: &state.BacktrackRecord{FromNodeID: from, ToNodeID: decision.BacktrackTarget, Reason: "reviewer backtrack"},
		})
		return true, Outcome{Kind: Continue}
	default:
		return false, Outcome{Kind: Failure, Err: toolerrors.Newf(toolerrors.KindInvariantViolated, "unknown review decision kind %q", decision.Kind)}
	}
}

func (p *Pipeline) rubric(ctx context.Context, n *model.Node, result state.NodeResult, st *state.HensuState, hasRubric HasRubric) (ladderHit bool, outcome Outcome) {
	if n.RubricID == "" || p.Rubrics == nil {
		return false, Outcome{Kind: Continue}
	}

	eval, err := p.Rubrics.Evaluate(ctx, n.RubricID, result, st.Context)
	if err != nil {
		return false, Outcome{Kind: Failure, Err: err}
	}
	st.RubricEvaluation = &eval

	if eval.Passed {
		return false, Outcome{Kind: Continue}
	}

	th := p.Thresholds
	switch {
	case eval.Score < float64(th.Critical), eval.Score < float64(th.Moderate):
		target, ok := st.History.LastRubricNodeBefore(st.CurrentNodeID, hasRubric)
		if !ok {
			return p.minorRetry(n, st, th)
		}
		from := st.CurrentNodeID
		st.CurrentNodeID = target
		st.ResetRetryCount()
		st.History.Append(state.ExecutionStep{
			NodeID:    from,
			Result:    result,
			Snapshot:  snapshotContext(st.Context),
			Timestamp: p.now(),
			Backtrack: &state.BacktrackRecord{FromNodeID: from, ToNodeID: target, Reason: "auto-backtrack: rubric score below moderate threshold"},
		})
		return true, Outcome{Kind: Continue}

	case eval.Score < float64(th.Minor):
		return p.minorRetry(n, st, th)

	default:
		return false, Outcome{Kind: Continue}
	}
}

func (p *Pipeline) minorRetry(n *model.Node, st *state.HensuState, th Thresholds) (bool, Outcome) {
	attempt, _ := st.Context["retry_attempt"].(int)
	attempt++
	st.Context["retry_attempt"] = attempt

	maxRetries := th.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if attempt < maxRetries {
		return true, Outcome{Kind: Continue}
	}
	delete(st.Context, "retry_attempt")
	return false, Outcome{Kind: Continue}
}

func (p *Pipeline) transition(n *model.Node, result state.NodeResult, st *state.HensuState) Outcome {
	if st.LoopBreakTarget != "" {
		st.CurrentNodeID = st.LoopBreakTarget
		st.LoopBreakTarget = ""
		return Outcome{Kind: Continue}
	}

	if n.Kind == model.NodeStandard && result.Status == state.StatusFailure {
		if failed, _ := result.Metadata["plan_failed"].(bool); failed {
			if target, ok := result.Metadata["plan_failure_target"].(string); ok && target != "" {
				st.CurrentNodeID = target
				return Outcome{Kind: Continue}
			}
		}
	}

	target, ok := transition.Evaluate(n.TransitionRules, result, st)
	if !ok {
		if n.Kind == model.NodeEnd {
			return Outcome{Kind: Continue}
		}
		return Outcome{Kind: Failure, Err: toolerrors.Newf(toolerrors.KindNoMatchingTransition, "no valid transition from %s", st.CurrentNodeID)}
	}
	if target != st.CurrentNodeID {
		st.ResetRetryCount()
	}
	st.CurrentNodeID = target
	return Outcome{Kind: Continue}
}
