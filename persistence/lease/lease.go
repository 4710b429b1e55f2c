// Package lease runs the two periodic background tasks that make
// distributed execution ownership work (C10, spec.md §4.11): a heartbeat
// that keeps this node's leases alive, and a recovery sweeper that
// atomically claims orphaned rows and resumes them.
package lease

import (
	"context"
	"math/rand"
	"time"

	"github.com/hensu-run/hensu/executor"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/persistence"
	"github.com/hensu-run/hensu/telemetry"
)

// Repository is the subset of persistence.WorkflowStateRepository the
// manager needs.
type Repository interface {
	Heartbeat(ctx context.Context, thisNode string) (int64, error)
	ClaimStale(ctx context.Context, thisNode string, staleThreshold int64) ([]persistence.StateRow, error)
}

// Config controls heartbeat and sweep timing. Zero values fall back to
// the spec-mandated defaults (30s heartbeat, 3x stale threshold).
type Config struct {
	NodeID             string
	HeartbeatInterval  time.Duration
	HeartbeatJitter    time.Duration
	StaleThresholdSecs int64
	SweepInterval      time.Duration
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleMultiplier   = 3
	defaultSweepMultiplier   = 2
)

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StaleThresholdSecs <= 0 {
		c.StaleThresholdSecs = int64(c.HeartbeatInterval.Seconds()) * defaultStaleMultiplier
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval * defaultSweepMultiplier
	}
	return c
}

// WorkflowLookup resolves a workflow by id; the sweeper needs it to call
// executor.ExecuteFrom for each reclaimed row.
type WorkflowLookup func(tenantID, workflowID string) (*model.Workflow, bool)

// Manager owns the heartbeat and sweep goroutines for one node.
type Manager struct {
	repo      Repository
	executor  *executor.Executor
	workflows WorkflowLookup
	bus       hooks.Bus
	cfg       Config

	// Logger defaults to a no-op; set directly (Manager.Logger = ...) after
	// New to wire a real backend, same post-construction pattern the
	// collaborator fields on executor.Executor use.
	Logger telemetry.Logger
}

// New builds a Manager. exec drives resumed executions; workflows resolves
// the Workflow definition for a claimed row's workflow_id.
func New(repo Repository, exec *executor.Executor, workflows WorkflowLookup, bus hooks.Bus, cfg Config) *Manager {
	return &Manager{repo: repo, executor: exec, workflows: workflows, bus: bus, cfg: cfg.withDefaults(), Logger: telemetry.NewNoopLogger()}
}

func (m *Manager) logger() telemetry.Logger {
	if m.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return m.Logger
}

// Run blocks, alternating heartbeat and sweep ticks, until ctx is
// cancelled. Intended to be started in its own goroutine by
// environment.Environment.Start.
func (m *Manager) Run(ctx context.Context) {
	heartbeat := time.NewTicker(m.jittered(m.cfg.HeartbeatInterval))
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.heartbeatOnce(ctx)
		case <-sweep.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) jittered(d time.Duration) time.Duration {
	if m.cfg.HeartbeatJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(m.cfg.HeartbeatJitter)))
}

func (m *Manager) heartbeatOnce(ctx context.Context) {
	if _, err := m.repo.Heartbeat(ctx, m.cfg.NodeID); err != nil {
		m.logger().Error(ctx, "lease heartbeat failed", "node_id", m.cfg.NodeID, "error", err)
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	claimed, err := m.repo.ClaimStale(ctx, m.cfg.NodeID, m.cfg.StaleThresholdSecs)
	if err != nil {
		m.logger().Error(ctx, "lease sweep failed", "node_id", m.cfg.NodeID, "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	m.logger().Info(ctx, "sweep reclaimed stale leases", "node_id", m.cfg.NodeID, "count", len(claimed))
	for _, row := range claimed {
		m.resume(ctx, row)
	}
}

func (m *Manager) resume(ctx context.Context, row persistence.StateRow) {
	if row.Snapshot == nil || m.workflows == nil || m.executor == nil {
		return
	}
	wf, ok := m.workflows(row.TenantID, row.Snapshot.WorkflowID)
	if !ok {
		return
	}
	result := m.executor.ExecuteFrom(ctx, wf, row.Snapshot)
	if m.bus == nil {
		return
	}
	ev := hooks.New(hooks.ExecutionStarted, row.ExecutionID, row.Snapshot.WorkflowID)
	ev.NodeID = row.Snapshot.CurrentNodeID
	if result.Err != nil {
		ev.Error = result.Err.Error()
	}
	_ = m.bus.Publish(ctx, ev)
}
