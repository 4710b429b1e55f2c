package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointReason_TerminalAndFinal(t *testing.T) {
	cases := []struct {
		reason       CheckpointReason
		wantTerminal bool
		wantFinal    bool
	}{
		{ReasonCheckpoint, false, false},
		{ReasonPaused, true, false},
		{ReasonCompleted, true, true},
		{ReasonFailed, true, true},
		{ReasonRejected, true, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			assert.Equal(t, tc.wantTerminal, tc.reason.Terminal(), "Terminal()")
			assert.Equal(t, tc.wantFinal, tc.reason.Final(), "Final()")
		})
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	st := New("exec-1", "wf-1", "start", map[string]any{"foo": "bar"})
	st.History.Append(ExecutionStep{NodeID: "start", Result: Success("hi", nil), Timestamp: time.Unix(0, 0)})
	st.ActivePlan = &PlanSnapshot{RevisionCount: 2}

	snap := st.Snapshot(ReasonCheckpoint)
	require.Equal(t, ReasonCheckpoint, snap.CheckpointReason)

	restored := snap.Restore()
	assert.Equal(t, st.ExecutionID, restored.ExecutionID)
	assert.Equal(t, st.WorkflowID, restored.WorkflowID)
	assert.Equal(t, st.CurrentNodeID, restored.CurrentNodeID)
	assert.Equal(t, st.Context, restored.Context)
	assert.Equal(t, len(st.History.Steps), len(restored.History.Steps))
	require.NotNil(t, restored.ActivePlan)
	assert.Equal(t, 2, restored.ActivePlan.RevisionCount)

	// Idempotency: snapshotting the restored state again produces an
	// equivalent snapshot modulo CreatedAt.
	snap2 := restored.Snapshot(ReasonCheckpoint)
	assert.Equal(t, snap.Context, snap2.Context)
	assert.Equal(t, snap.CurrentNodeID, snap2.CurrentNodeID)
	assert.Equal(t, len(snap.History.Steps), len(snap2.History.Steps))
}

func TestSnapshotDoesNotAliasContext(t *testing.T) {
	st := New("exec-1", "wf-1", "start", map[string]any{"nested": map[string]any{"k": "v"}})
	snap := st.Snapshot(ReasonCheckpoint)

	nested := st.Context["nested"].(map[string]any)
	nested["k"] = "mutated"

	snapNested := snap.Context["nested"].(map[string]any)
	assert.Equal(t, "v", snapNested["k"], "snapshot must hold its own deep copy of the context")
}

func TestHistoryLastRubricNodeBefore(t *testing.T) {
	h := &ExecutionHistory{}
	h.Append(ExecutionStep{NodeID: "a"})
	h.Append(ExecutionStep{NodeID: "b"})
	h.Append(ExecutionStep{NodeID: "c"})

	hasRubric := func(nodeID string) bool { return nodeID == "b" }

	target, ok := h.LastRubricNodeBefore("c", hasRubric)
	require.True(t, ok)
	assert.Equal(t, "b", target)

	_, ok = h.LastRubricNodeBefore("c", func(string) bool { return false })
	assert.False(t, ok)
}

func TestFailureSetsErrorMetadata(t *testing.T) {
	res := Failure("boom", nil)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, "boom", res.Metadata["error"])
}
