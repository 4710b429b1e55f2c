package agentapi

import (
	"context"
	"fmt"
)

// stubAgent returns a deterministic canned response without calling any
// external model. Used in tests and in environments where no real provider
// is configured, gated by config.stubEnabled.
type stubAgent struct {
	role string
}

// NewStubAgent builds an Agent that always succeeds with a fixed text
// reply naming its role, useful for exercising workflow graphs without a
// live model dependency.
func NewStubAgent(role string) Agent {
	return &stubAgent{role: role}
}

func (a *stubAgent) Respond(ctx context.Context, prompt string, history []Message) (AgentResponse, error) {
	return AgentResponse{
		Kind: ResponseText,
		Text: fmt.Sprintf("stub response from %s", a.role),
	}, nil
}

// stubProvider backs every model request with a stubAgent. It registers at
// StubPriority, the lowest possible priority, so any real provider that
// also claims a model wins the selection.
type stubProvider struct{}

// StubPriority is deliberately the lowest priority in the registry so a
// real provider is always preferred when both claim the same model.
const StubPriority = 1000

// NewStubProvider builds the fallback AgentProvider used when
// config.stubEnabled is set, or in tests.
func NewStubProvider() AgentProvider {
	return &stubProvider{}
}

func (p *stubProvider) SupportsModel(model string) bool { return true }

func (p *stubProvider) Priority() int { return StubPriority }

func (p *stubProvider) CreateAgent(model, role string, temperature float64, maxTokens int, instructions string) (Agent, error) {
	return NewStubAgent(role), nil
}
