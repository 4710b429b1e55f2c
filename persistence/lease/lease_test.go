package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/executor"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/node"
	"github.com/hensu-run/hensu/persistence"
	"github.com/hensu-run/hensu/pipeline"
	"github.com/hensu-run/hensu/registry"
	"github.com/hensu-run/hensu/state"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, int64(defaultHeartbeatInterval.Seconds())*defaultStaleMultiplier, cfg.StaleThresholdSecs)
	assert.Equal(t, defaultHeartbeatInterval*defaultSweepMultiplier, cfg.SweepInterval)
}

func TestConfig_WithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{HeartbeatInterval: 5 * time.Second, StaleThresholdSecs: 99, SweepInterval: 20 * time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.EqualValues(t, 99, cfg.StaleThresholdSecs)
	assert.Equal(t, 20*time.Second, cfg.SweepInterval)
}

type fakeRepo struct {
	mu            sync.Mutex
	heartbeats    int
	claimRows     []persistence.StateRow
	claimCalled   bool
}

func (r *fakeRepo) Heartbeat(ctx context.Context, thisNode string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return 1, nil
}

func (r *fakeRepo) ClaimStale(ctx context.Context, thisNode string, staleThreshold int64) ([]persistence.StateRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimCalled = true
	return r.claimRows, nil
}

func TestManager_HeartbeatOnceCallsRepository(t *testing.T) {
	repo := &fakeRepo{}
	m := New(repo, nil, nil, nil, Config{NodeID: "node-a"})
	m.heartbeatOnce(context.Background())
	assert.Equal(t, 1, repo.heartbeats)
}

func TestManager_SweepOnceWithNoClaimsDoesNothing(t *testing.T) {
	repo := &fakeRepo{}
	m := New(repo, nil, nil, nil, Config{NodeID: "node-a"})
	m.sweepOnce(context.Background())
	assert.True(t, repo.claimCalled)
}

func simpleWorkflow() *model.Workflow {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		StartNodeID: "end",
		Nodes: map[string]model.Node{
			"end": {ID: "end", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess}},
		},
	})
	if err != nil {
		panic(err)
	}
	return wf
}

func TestManager_SweepOnceResumesClaimedRowsAndPublishesEvent(t *testing.T) {
	wf := simpleWorkflow()
	agents := agentapi.NewProviderRegistry()
	agents.Register(agentapi.NewStubProvider())
	pl := pipeline.New(nil, nil, nil, pipeline.DefaultThresholds())
	exec := executor.New(node.NewRegistry(), pl, nil, nil, nil, "tenant-1")
	exec.Agents = agents
	exec.Tools = registry.New()

	snap := state.New("exec-1", "wf1", "end", nil).Snapshot(state.ReasonCheckpoint)
	repo := &fakeRepo{claimRows: []persistence.StateRow{{TenantID: "tenant-1", ExecutionID: "exec-1", Snapshot: snap}}}

	var mu sync.Mutex
	var published []hooks.ExecutionEvent
	bus := hooks.NewBus()
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, event hooks.ExecutionEvent) error {
		mu.Lock()
		published = append(published, event)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	lookups := 0
	workflows := func(tenantID, workflowID string) (*model.Workflow, bool) {
		lookups++
		return wf, true
	}

	m := New(repo, exec, workflows, bus, Config{NodeID: "node-a"})
	m.sweepOnce(context.Background())

	assert.Equal(t, 1, lookups)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, hooks.ExecutionStarted, published[0].Type)
	assert.Equal(t, "exec-1", published[0].ExecutionID)
}

func TestManager_ResumeSkipsRowsWithoutWorkflowLookup(t *testing.T) {
	m := New(&fakeRepo{}, nil, nil, nil, Config{NodeID: "node-a"})
	snap := state.New("exec-1", "wf1", "end", nil).Snapshot(state.ReasonCheckpoint)
	// executor and workflows are both nil: resume must no-op, not panic.
	m.resume(context.Background(), persistence.StateRow{Snapshot: snap})
}
