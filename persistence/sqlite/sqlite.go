// Package sqlite implements persistence.WorkflowRepository and
// persistence.WorkflowStateRepository on top of modernc.org/sqlite: a
// single-file store suitable for development, testing, and single-node
// deployments, with the lease-claim discipline spec.md §4.11 prescribes
// for distributed execution ownership.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/persistence"
	"github.com/hensu-run/hensu/state"
	"github.com/hensu-run/hensu/toolerrors"
)

// Store implements both persistence repository interfaces against a
// single SQLite database file (or ":memory:").
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the database at path, enables WAL mode
// and a busy timeout, and migrates the schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "configure sqlite connection", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			tenant_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_states (
			tenant_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			current_node_id TEXT,
			context TEXT NOT NULL,
			history TEXT NOT NULL,
			active_plan TEXT,
			checkpoint_reason TEXT NOT NULL,
			server_node_id TEXT,
			last_heartbeat_at INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_states_lease
			ON execution_states(server_node_id, last_heartbeat_at)
			WHERE server_node_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_execution_states_paused
			ON execution_states(tenant_id)
			WHERE current_node_id IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return toolerrors.Wrap(toolerrors.KindPersistenceError, "migrate sqlite schema", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ persistence.WorkflowRepository = (*Store)(nil)
var _ persistence.WorkflowStateRepository = (*Store)(nil)

// --- WorkflowRepository ---

type workflowDefinition struct {
	ID          string                    `json:"id"`
	Version     string                    `json:"version"`
	StartNodeID string                    `json:"start_node_id"`
	Agents      map[string]model.AgentConfig `json:"agents"`
	Rubrics     map[string]model.Rubric   `json:"rubrics"`
	Nodes       map[string]model.Node     `json:"nodes"`
	Metadata    model.Metadata            `json:"metadata"`
	Config      model.WorkflowConfig      `json:"config"`
}

// Save upserts a workflow definition, tenant-scoped.
func (s *Store) Save(ctx context.Context, tenantID string, wf *model.Workflow) error {
	def := workflowDefinition{
		ID:          wf.ID,
		Version:     wf.Version,
		StartNodeID: wf.StartNodeID,
		Agents:      wf.Agents,
		Rubrics:     wf.Rubrics,
		Nodes:       wf.Nodes,
		Metadata:    wf.Metadata,
		Config:      wf.Config,
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindPersistenceError, "marshal workflow definition", err)
	}

	const query = `
		INSERT INTO workflows (tenant_id, workflow_id, version, definition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, workflow_id) DO UPDATE SET
			version = excluded.version,
			definition = excluded.definition,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, wf.ID, wf.Version, string(payload)); err != nil {
		return toolerrors.Wrap(toolerrors.KindPersistenceError, "save workflow", err)
	}
	return nil
}

// Load fetches a workflow definition by (tenantID, workflowID).
func (s *Store) Load(ctx context.Context, tenantID, workflowID string) (*model.Workflow, error) {
	const query = `
		SELECT definition FROM workflows WHERE tenant_id = ? AND workflow_id = ?
	`
	var payload string
	err := s.db.QueryRowContext(ctx, query, tenantID, workflowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, toolerrors.Newf(toolerrors.KindMissingNode, "workflow %q not found for tenant %q", workflowID, tenantID)
	}
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "load workflow", err)
	}

	var def workflowDefinition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "unmarshal workflow definition", err)
	}
	wf, err := model.New(model.Workflow{
		ID:          def.ID,
		Version:     def.Version,
		StartNodeID: def.StartNodeID,
		Agents:      def.Agents,
		Rubrics:     def.Rubrics,
		Nodes:       def.Nodes,
		Metadata:    def.Metadata,
		Config:      def.Config,
	})
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "reconstruct workflow", err)
	}
	return wf, nil
}

// --- WorkflowStateRepository ---

type snapshotRow struct {
	Context    map[string]any         `json:"context"`
	History    state.ExecutionHistory `json:"history"`
	ActivePlan *state.PlanSnapshot    `json:"active_plan,omitempty"`
}

// Save upserts the execution's snapshot. A "checkpoint" reason claims the
// lease for thisNode (setting server_node_id + refreshing the heartbeat);
// any terminal reason clears both lease columns, releasing ownership.
func (s *Store) Save(ctx context.Context, tenantID, thisNode string, snapshot *state.HensuSnapshot) error {
	row := snapshotRow{Context: snapshot.Context, History: snapshot.History, ActivePlan: snapshot.ActivePlan}
	context, err := json.Marshal(row.Context)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindPersistenceError, "marshal execution context", err)
	}
	history, err := json.Marshal(row.History)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindPersistenceError, "marshal execution history", err)
	}
	var activePlan sql.NullString
	if row.ActivePlan != nil {
		plan, err := json.Marshal(row.ActivePlan)
		if err != nil {
			return toolerrors.Wrap(toolerrors.KindPersistenceError, "marshal active plan", err)
		}
		activePlan = sql.NullString{String: string(plan), Valid: true}
	}

	var serverNodeID sql.NullString
	var heartbeat sql.NullInt64
	if !snapshot.CheckpointReason.Terminal() {
		serverNodeID = sql.NullString{String: thisNode, Valid: true}
		heartbeat = sql.NullInt64{Int64: snapshot.CreatedAt.Unix(), Valid: true}
	}

	const query = `
		INSERT INTO execution_states (
			tenant_id, execution_id, workflow_id, current_node_id, context,
			history, active_plan, checkpoint_reason, server_node_id, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			current_node_id = excluded.current_node_id,
			context = excluded.context,
			history = excluded.history,
			active_plan = excluded.active_plan,
			checkpoint_reason = excluded.checkpoint_reason,
			server_node_id = excluded.server_node_id,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.ExecContext(ctx, query,
		tenantID, snapshot.ExecutionID, snapshot.WorkflowID, snapshot.CurrentNodeID,
		string(context), string(history), activePlan, string(snapshot.CheckpointReason),
		serverNodeID, heartbeat,
	)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindPersistenceError, "save execution state", err)
	}
	return nil
}

// Load fetches the current row for (tenantID, executionID).
func (s *Store) Load(ctx context.Context, tenantID, executionID string) (*persistence.StateRow, error) {
	const query = `
		SELECT workflow_id, current_node_id, context, history, active_plan,
		       checkpoint_reason, server_node_id, last_heartbeat_at
		FROM execution_states WHERE tenant_id = ? AND execution_id = ?
	`
	var (
		workflowID, currentNodeID, contextJSON, historyJSON, reason string
		activePlanJSON, serverNodeID                                sql.NullString
		heartbeat                                                   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, executionID).Scan(
		&workflowID, &currentNodeID, &contextJSON, &historyJSON, &activePlanJSON,
		&reason, &serverNodeID, &heartbeat,
	)
	if err == sql.ErrNoRows {
		return nil, toolerrors.Newf(toolerrors.KindMissingNode, "execution %q not found for tenant %q", executionID, tenantID)
	}
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "load execution state", err)
	}

	snapshot, err := decodeSnapshot(tenantID, executionID, workflowID, currentNodeID, reason, contextJSON, historyJSON, activePlanJSON)
	if err != nil {
		return nil, err
	}
	return &persistence.StateRow{
		TenantID:     tenantID,
		ExecutionID:  executionID,
		Snapshot:     snapshot,
		ServerNodeID: serverNodeID.String,
		HasHeartbeat: heartbeat.Valid,
	}, nil
}

func decodeSnapshot(tenantID, executionID, workflowID, currentNodeID, reason, contextJSON, historyJSON string, activePlanJSON sql.NullString) (*state.HensuSnapshot, error) {
	var context map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &context); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "unmarshal execution context", err)
	}
	var history state.ExecutionHistory
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "unmarshal execution history", err)
	}
	var activePlan *state.PlanSnapshot
	if activePlanJSON.Valid {
		activePlan = &state.PlanSnapshot{}
		if err := json.Unmarshal([]byte(activePlanJSON.String), activePlan); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "unmarshal active plan", err)
		}
	}
	return &state.HensuSnapshot{
		WorkflowID:       workflowID,
		ExecutionID:      executionID,
		CurrentNodeID:    currentNodeID,
		Context:          context,
		History:          history,
		ActivePlan:       activePlan,
		CheckpointReason: state.CheckpointReason(reason),
	}, nil
}

// Heartbeat bulk-refreshes last_heartbeat_at for every row leased by
// thisNode, returning the number of rows touched.
func (s *Store) Heartbeat(ctx context.Context, thisNode string) (int64, error) {
	const query = `
		UPDATE execution_states
		SET last_heartbeat_at = strftime('%s', 'now')
		WHERE server_node_id = ?
	`
	res, err := s.db.ExecContext(ctx, query, thisNode)
	if err != nil {
		return 0, toolerrors.Wrap(toolerrors.KindPersistenceError, "heartbeat leases", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, toolerrors.Wrap(toolerrors.KindPersistenceError, "count heartbeat rows", err)
	}
	return n, nil
}

// ClaimStale atomically reassigns every row whose lease is older than
// staleThreshold seconds to thisNode in a single UPDATE ... RETURNING
// statement (spec.md §4.11): under SQLite's serialized-writer semantics a
// second sweeper racing the same query observes the already-refreshed
// heartbeat and claims nothing, so no row is ever double-claimed.
func (s *Store) ClaimStale(ctx context.Context, thisNode string, staleThreshold int64) ([]persistence.StateRow, error) {
	const claimQuery = `
		UPDATE execution_states
		SET server_node_id = ?, last_heartbeat_at = strftime('%s', 'now')
		WHERE server_node_id IS NOT NULL
		  AND server_node_id != ?
		  AND last_heartbeat_at IS NOT NULL
		  AND (strftime('%s', 'now') - last_heartbeat_at) >= ?
		RETURNING tenant_id, execution_id, workflow_id, current_node_id, context,
		          history, active_plan, checkpoint_reason
	`
	rows, err := s.db.QueryContext(ctx, claimQuery, thisNode, thisNode, staleThreshold)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "claim stale leases", err)
	}
	defer rows.Close()

	var claimed []persistence.StateRow
	for rows.Next() {
		var tenantID, executionID, workflowID, currentNodeID, contextJSON, historyJSON, reason string
		var activePlanJSON sql.NullString
		if err := rows.Scan(&tenantID, &executionID, &workflowID, &currentNodeID, &contextJSON, &historyJSON, &activePlanJSON, &reason); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "scan claimed lease row", err)
		}
		snapshot, err := decodeSnapshot(tenantID, executionID, workflowID, currentNodeID, reason, contextJSON, historyJSON, activePlanJSON)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, persistence.StateRow{TenantID: tenantID, ExecutionID: executionID, Snapshot: snapshot, ServerNodeID: thisNode, HasHeartbeat: true})
	}
	if err := rows.Err(); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "iterate claimed leases", err)
	}
	return claimed, nil
}

// ListPaused returns every execution currently without an owning lease
// for tenantID: paused rows (review/plan suspension) and any row left
// behind by a crash before the sweeper claims it.
func (s *Store) ListPaused(ctx context.Context, tenantID string) ([]persistence.StateRow, error) {
	const query = `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       active_plan, checkpoint_reason
		FROM execution_states
		WHERE tenant_id = ? AND server_node_id IS NULL
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "list paused executions", err)
	}
	defer rows.Close()

	var out []persistence.StateRow
	for rows.Next() {
		var executionID, workflowID, currentNodeID, contextJSON, historyJSON, reason string
		var activePlanJSON sql.NullString
		if err := rows.Scan(&executionID, &workflowID, &currentNodeID, &contextJSON, &historyJSON, &activePlanJSON, &reason); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "scan paused execution row", err)
		}
		snapshot, err := decodeSnapshot(tenantID, executionID, workflowID, currentNodeID, reason, contextJSON, historyJSON, activePlanJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, persistence.StateRow{TenantID: tenantID, ExecutionID: executionID, Snapshot: snapshot})
	}
	if err := rows.Err(); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindPersistenceError, "iterate paused executions", err)
	}
	return out, nil
}
