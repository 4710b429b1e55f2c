// Package persistence defines the tenant-scoped repository interfaces
// the executor checkpoints against (C10). Concrete storage lives in
// persistence/sqlite; lease sweeping lives in persistence/lease.
package persistence

import (
	"context"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/state"
)

// WorkflowRepository stores immutable Workflow definitions, tenant-scoped.
type WorkflowRepository interface {
	Save(ctx context.Context, tenantID string, wf *model.Workflow) error
	Load(ctx context.Context, tenantID, workflowID string) (*model.Workflow, error)
}

// StateRow is one persisted execution's full row, including lease columns,
// as read back by the sweeper and by resume.
type StateRow struct {
	TenantID       string
	ExecutionID    string
	Snapshot       *state.HensuSnapshot
	ServerNodeID   string
	HasHeartbeat   bool
}

// WorkflowStateRepository stores execution snapshots, one row per
// (tenant, executionId), with UPSERT semantics on Save and the lease
// discipline described in spec.md §4.11.
type WorkflowStateRepository interface {
	// Save upserts snapshot. checkpointReason = "checkpoint" claims the
	// lease for thisNode; any terminal reason clears it.
	Save(ctx context.Context, tenantID, thisNode string, snapshot *state.HensuSnapshot) error

	// Load fetches the current row for (tenantID, executionID).
	Load(ctx context.Context, tenantID, executionID string) (*StateRow, error)

	// Heartbeat bulk-refreshes last_heartbeat_at for every row leased by
	// thisNode.
	Heartbeat(ctx context.Context, thisNode string) (int64, error)

	// ClaimStale atomically claims every row whose lease is older than
	// staleThreshold, reassigning it to thisNode, and returns the claimed
	// (tenantID, executionID) pairs for the caller to resume.
	ClaimStale(ctx context.Context, thisNode string, staleThreshold int64) ([]StateRow, error)

	// ListPaused returns every execution currently without an owning
	// lease for tenantID (paused or terminal-but-not-yet-archived rows).
	ListPaused(ctx context.Context, tenantID string) ([]StateRow, error)
}

// NodeBoundStore adapts a WorkflowStateRepository plus a fixed node id
// into the executor's narrower SnapshotStore shape (Save(ctx, tenantID,
// snapshot) error), since the executor's checkpoint call site doesn't
// itself track which node it's running on.
type NodeBoundStore struct {
	Repo   WorkflowStateRepository
	NodeID string
}

// BindNode builds a NodeBoundStore for the given repository and node id.
func BindNode(repo WorkflowStateRepository, nodeID string) *NodeBoundStore {
	return &NodeBoundStore{Repo: repo, NodeID: nodeID}
}

// Save implements executor.SnapshotStore.
func (b *NodeBoundStore) Save(ctx context.Context, tenantID string, snapshot *state.HensuSnapshot) error {
	return b.Repo.Save(ctx, tenantID, b.NodeID, snapshot)
}
