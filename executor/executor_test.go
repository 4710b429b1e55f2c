package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/node"
	"github.com/hensu-run/hensu/pipeline"
	"github.com/hensu-run/hensu/registry"
	"github.com/hensu-run/hensu/state"
)

func idGen(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

func twoNodeWorkflow() *model.Workflow {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		StartNodeID: "n1",
		Agents:      map[string]model.AgentConfig{"a": {ID: "a", Model: "stub", Role: "a"}},
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeStandard, Standard: &model.StandardNode{AgentID: "a"},
				TransitionRules: []model.TransitionRule{{Kind: model.TransitionSuccess, Success: &model.SuccessTransition{Target: "end"}}}},
			"end": {ID: "end", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess}},
		},
	})
	if err != nil {
		panic(err)
	}
	return wf
}

func newTestExecutor(store SnapshotStore) *Executor {
	agents := agentapi.NewProviderRegistry()
	agents.Register(agentapi.NewStubProvider())
	pl := pipeline.New(nil, nil, nil, pipeline.DefaultThresholds())
	e := New(node.NewRegistry(), pl, store, nil, nil, "tenant-1")
	e.Agents = agents
	e.Tools = registry.New()
	e.NewID = idGen("exec-1")
	return e
}

func TestExecutor_HappyPathCompletes(t *testing.T) {
	e := newTestExecutor(nil)
	wf := twoNodeWorkflow()

	result := e.Execute(context.Background(), wf, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, Completed, result.Kind)
	assert.Equal(t, "end", result.State.CurrentNodeID)
}

type memStore struct {
	mu        sync.Mutex
	snapshots []*state.HensuSnapshot
}

func (s *memStore) Save(ctx context.Context, tenantID string, snapshot *state.HensuSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *memStore) last() *state.HensuSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[len(s.snapshots)-1]
}

func TestExecutor_CheckpointsFinalStatusOnCompletion(t *testing.T) {
	store := &memStore{}
	e := newTestExecutor(store)
	wf := twoNodeWorkflow()

	result := e.Execute(context.Background(), wf, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, Completed, result.Kind)

	final := store.last()
	assert.Equal(t, state.ReasonCompleted, final.CheckpointReason)
	assert.Equal(t, "end", final.CurrentNodeID)
}

func TestExecutor_ExecuteFromResumesFromSnapshot(t *testing.T) {
	store := &memStore{}
	e := newTestExecutor(store)
	wf := twoNodeWorkflow()

	// Simulate a crash right after n1 ran but before the workflow reached
	// its end node: hand-build a snapshot sitting at n1 as if a checkpoint
	// had just been written, then resume from it.
	st := state.New("exec-1", "wf1", "n1", nil)
	snap := st.Snapshot(state.ReasonCheckpoint)

	result := e.ExecuteFrom(context.Background(), wf, snap)
	require.NoError(t, result.Err)
	assert.Equal(t, Completed, result.Kind)
	assert.Equal(t, "exec-1", result.State.ExecutionID)
}

func TestExecutor_StepCapExceededFails(t *testing.T) {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		StartNodeID: "n1",
		Agents:      map[string]model.AgentConfig{"a": {ID: "a", Model: "stub", Role: "a"}},
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeStandard, Standard: &model.StandardNode{AgentID: "a"},
				TransitionRules: []model.TransitionRule{{Kind: model.TransitionAlways, Always: &model.AlwaysTransition{Target: "n1"}}}},
		},
	})
	require.NoError(t, err)

	e := newTestExecutor(nil)
	e.StepCap = 3

	result := e.Execute(context.Background(), wf, nil)
	require.Error(t, result.Err)
	assert.Equal(t, Failure, result.Kind)
}

func TestExecutor_MissingNodeFails(t *testing.T) {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		StartNodeID: "n1",
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess},
				TransitionRules: []model.TransitionRule{{Kind: model.TransitionAlways, Always: &model.AlwaysTransition{Target: "ghost"}}}},
		},
	})
	require.NoError(t, err)

	e := newTestExecutor(nil)
	result := e.Execute(context.Background(), wf, nil)
	require.Error(t, result.Err)
	assert.Equal(t, Failure, result.Kind)
}

type pausingAgent struct{}

func (pausingAgent) Respond(ctx context.Context, prompt string, history []agentapi.Message) (agentapi.AgentResponse, error) {
	return agentapi.AgentResponse{Kind: agentapi.ResponseToolRequest, ToolRequest: &agentapi.ToolCall{Name: "lookup"}}, nil
}

type pausingProvider struct{}

func (pausingProvider) SupportsModel(string) bool { return true }
func (pausingProvider) Priority() int              { return 0 }
func (pausingProvider) CreateAgent(model, role string, temperature float64, maxTokens int, instructions string) (agentapi.Agent, error) {
	return pausingAgent{}, nil
}

func TestExecutor_ReviewGatedPlanPausesExecutionWithoutFailing(t *testing.T) {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		StartNodeID: "n1",
		Agents:      map[string]model.AgentConfig{"a": {ID: "a"}},
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeStandard, Standard: &model.StandardNode{
				AgentID:  "a",
				Planning: model.PlanningConfig{Mode: model.PlanningEnabled, ReviewGated: true},
			}},
		},
	})
	require.NoError(t, err)

	store := &memStore{}
	agents := agentapi.NewProviderRegistry()
	agents.Register(pausingProvider{})
	pl := pipeline.New(nil, nil, nil, pipeline.DefaultThresholds())
	e := New(node.NewRegistry(), pl, store, nil, nil, "tenant-1")
	e.Agents = agents
	e.Tools = registry.New()
	require.NoError(t, e.Tools.Register(registry.ToolDefinition{Name: "lookup"}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Fatal("a review-gated plan must not dispatch before a reviewer approves it")
		return nil, nil
	}))

	result := e.Execute(context.Background(), wf, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, Paused, result.Kind)

	snap := store.last()
	assert.Equal(t, state.ReasonPaused, snap.CheckpointReason)
	require.NotNil(t, snap.ActivePlan)
	assert.Equal(t, "lookup", snap.ActivePlan.Plan.Steps[0].ToolName)
}

func TestExecutor_EmitsHookEventsAcrossLifecycle(t *testing.T) {
	var mu sync.Mutex
	var types []hooks.EventType
	bus := hooks.NewBus()
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, event hooks.ExecutionEvent) error {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	e := newTestExecutor(nil)
	e.Bus = bus
	wf := twoNodeWorkflow()

	result := e.Execute(context.Background(), wf, nil)
	require.NoError(t, result.Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, hooks.ExecutionStarted)
	assert.Contains(t, types, hooks.ExecutionCompleted)
}
