// Package agentapi defines the boundary between Hensu's workflow executor
// and the outside world: LLM-backed agents, the human review protocol, and
// side-effecting action handlers. Nothing in node, pipeline, rubric, or
// plan imports a concrete provider; they depend only on these interfaces.
package agentapi

import "context"

// ResponseKind tags which variant an AgentResponse carries.
type ResponseKind string

const (
	ResponseText          ResponseKind = "text"
	ResponseToolRequest   ResponseKind = "tool_request"
	ResponsePlanProposal  ResponseKind = "plan_proposal"
	ResponseError         ResponseKind = "error"
)

// ToolCall is a single tool invocation an agent asks the caller to perform.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// PlanProposal is a sequence of tool calls an agent proposes up front,
// consumed by the plan engine when a Standard node's planning mode is
// enabled and the agent chooses to front-load its tool use.
type PlanProposal struct {
	Steps []ToolCall
}

// AgentResponse is the tagged union an Agent call returns. Exactly one of
// the variant fields is populated according to Kind.
type AgentResponse struct {
	Kind ResponseKind

	Text         string
	ToolRequest  *ToolCall
	PlanProposal *PlanProposal
	Err          error
}

// Message is one turn of conversation history passed to an agent call.
type Message struct {
	Role    string
	Content string
}

// Agent is a single configured LLM-backed collaborator, bound to one
// model/role pairing at construction time.
type Agent interface {
	// Respond sends prompt plus history to the underlying model and
	// returns its tagged response. Implementations must honor ctx
	// cancellation/timeout.
	Respond(ctx context.Context, prompt string, history []Message) (AgentResponse, error)
}

// AgentProvider constructs Agent instances for a given model identifier.
// Multiple providers can be registered; the one with the lowest Priority
// value that SupportsModel returns true for wins.
type AgentProvider interface {
	SupportsModel(model string) bool
	Priority() int
	CreateAgent(model, role string, temperature float64, maxTokens int, instructions string) (Agent, error)
}
