// Package review implements the human review protocol a Standard or Plan
// node suspends into (C8): a ReviewConfig gate deciding whether review is
// even required, and a synchronous Resolve that applies the configured
// ReviewHandler.
package review

import (
	"context"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/toolerrors"
)

// Mode selects when a node's result goes through review.
type Mode string

const (
	ModeOptional  Mode = "optional"
	ModeRequired  Mode = "required"
	ModeOnFailure Mode = "on_failure"
)

// Config is the per-node review gate.
type Config struct {
	Mode            Mode
	AllowBacktrack  bool
	AllowEditPrompt bool
}

// Required reports whether result (given its status) must go through
// review under cfg.
func Required(cfg Config, failed bool) bool {
	switch cfg.Mode {
	case ModeRequired:
		return true
	case ModeOnFailure:
		return failed
	case ModeOptional:
		return false
	default:
		return false
	}
}

// Resolve applies handler to req, blocking until the handler returns a
// decision (an in-memory approval, or a handler that itself blocks on
// human input, e.g. polling a ticket system).
func Resolve(ctx context.Context, handler agentapi.ReviewHandler, req agentapi.ReviewRequest) (agentapi.ReviewDecision, error) {
	if handler == nil {
		return agentapi.ReviewDecision{Kind: agentapi.DecisionApprove}, nil
	}
	decision, err := handler.Review(ctx, req)
	if err != nil {
		return agentapi.ReviewDecision{}, toolerrors.Wrap(toolerrors.KindReviewRejected, "review handler failed", err)
	}
	if decision.Kind == agentapi.DecisionBacktrack && req.AllowBacktrack == false {
		return agentapi.ReviewDecision{}, toolerrors.New(toolerrors.KindReviewBacktrackInvalid, "review: backtrack not permitted for this node")
	}
	return decision, nil
}
