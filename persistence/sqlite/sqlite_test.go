package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testWorkflow() *model.Workflow {
	wf, err := model.New(model.Workflow{
		ID:          "wf1",
		Version:     "v1",
		StartNodeID: "n1",
		Nodes: map[string]model.Node{
			"n1": {ID: "n1", Kind: model.NodeEnd, End: &model.EndNode{Status: model.ExitSuccess}},
		},
	})
	if err != nil {
		panic(err)
	}
	return wf
}

func TestStore_WorkflowSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	wf := testWorkflow()

	require.NoError(t, s.Save(context.Background(), "tenant-1", wf))

	loaded, err := s.Load(context.Background(), "tenant-1", "wf1")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, loaded.ID)
	assert.Equal(t, wf.Version, loaded.Version)
	assert.Equal(t, wf.StartNodeID, loaded.StartNodeID)
}

func TestStore_WorkflowLoadMissingErrors(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "tenant-1", "missing")
	require.Error(t, err)
}

func TestStore_WorkflowSaveIsTenantScoped(t *testing.T) {
	s := openTestStore(t)
	wf := testWorkflow()
	require.NoError(t, s.Save(context.Background(), "tenant-1", wf))

	_, err := s.Load(context.Background(), "tenant-2", "wf1")
	require.Error(t, err, "a workflow saved under one tenant must not be visible to another")
}

func TestStore_WorkflowSaveUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	wf := testWorkflow()
	require.NoError(t, s.Save(context.Background(), "tenant-1", wf))

	wf.Version = "v2"
	require.NoError(t, s.Save(context.Background(), "tenant-1", wf))

	loaded, err := s.Load(context.Background(), "tenant-1", "wf1")
	require.NoError(t, err)
	assert.Equal(t, "v2", loaded.Version)
}

func testSnapshot(reason state.CheckpointReason) *state.HensuSnapshot {
	st := state.New("exec-1", "wf1", "n1", map[string]any{"foo": "bar"})
	st.History.Append(state.ExecutionStep{NodeID: "n1", Result: state.Success("ok", nil), Timestamp: time.Unix(100, 0)})
	return st.Snapshot(reason)
}

func TestStore_ExecutionStateSaveClaimsLeaseOnCheckpoint(t *testing.T) {
	s := openTestStore(t)
	snap := testSnapshot(state.ReasonCheckpoint)

	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", snap))

	row, err := s.Load(context.Background(), "tenant-1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", row.ServerNodeID)
	assert.True(t, row.HasHeartbeat)
	assert.Equal(t, "n1", row.Snapshot.CurrentNodeID)
	assert.Equal(t, "bar", row.Snapshot.Context["foo"])
	require.Len(t, row.Snapshot.History.Steps, 1)
}

func TestStore_ExecutionStateSaveReleasesLeaseOnTerminalReason(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCompleted)))

	row, err := s.Load(context.Background(), "tenant-1", "exec-1")
	require.NoError(t, err)
	assert.Empty(t, row.ServerNodeID)
	assert.False(t, row.HasHeartbeat)
}

func TestStore_ExecutionStateLoadMissingErrors(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "tenant-1", "missing")
	require.Error(t, err)
}

func TestStore_HeartbeatRefreshesOnlyOwnedRows(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))

	other := state.New("exec-2", "wf1", "n1", nil).Snapshot(state.ReasonCheckpoint)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-b", other))

	n, err := s.Heartbeat(context.Background(), "node-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func (s *Store) backdateHeartbeat(t *testing.T, executionID string, secondsAgo int64) {
	t.Helper()
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE execution_states SET last_heartbeat_at = strftime('%s','now') - ? WHERE execution_id = ?`,
		secondsAgo, executionID)
	require.NoError(t, err)
}

func TestStore_ClaimStaleReassignsExpiredLeaseToCallingNode(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))
	s.backdateHeartbeat(t, "exec-1", 120)

	claimed, err := s.ClaimStale(context.Background(), "node-b", 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "exec-1", claimed[0].ExecutionID)
	assert.Equal(t, "node-b", claimed[0].ServerNodeID)

	row, err := s.Load(context.Background(), "tenant-1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", row.ServerNodeID, "the claim must persist, not just be reported")
}

func TestStore_ClaimStaleIgnoresFreshLeases(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))

	claimed, err := s.ClaimStale(context.Background(), "node-b", 60)
	require.NoError(t, err)
	assert.Empty(t, claimed, "a lease heartbeating within the threshold must not be claimed")
}

func TestStore_ClaimStaleNeverClaimsItsOwnLease(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))
	s.backdateHeartbeat(t, "exec-1", 120)

	claimed, err := s.ClaimStale(context.Background(), "node-a", 60)
	require.NoError(t, err)
	assert.Empty(t, claimed, "a node never reclaims a lease it already owns via the sweeper path")
}

func TestStore_ListPausedReturnsOnlyUnownedRows(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", testSnapshot(state.ReasonCheckpoint)))

	paused := state.New("exec-paused", "wf1", "n1", nil).Snapshot(state.ReasonPaused)
	require.NoError(t, s.Save(context.Background(), "tenant-1", "node-a", paused))

	rows, err := s.ListPaused(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "exec-paused", rows[0].ExecutionID)
}
