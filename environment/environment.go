// Package environment assembles the collaborators every other package
// defines (agent providers, rubric engine, tool registry, review handler,
// persistence, lease manager) into the external-facing façade spec.md §6
// describes: Start, Resume, Events.
package environment

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hensu-run/hensu/agentapi"
	"github.com/hensu-run/hensu/config"
	"github.com/hensu-run/hensu/executor"
	"github.com/hensu-run/hensu/hooks"
	"github.com/hensu-run/hensu/model"
	"github.com/hensu-run/hensu/node"
	"github.com/hensu-run/hensu/persistence"
	"github.com/hensu-run/hensu/persistence/lease"
	"github.com/hensu-run/hensu/persistence/sqlite"
	"github.com/hensu-run/hensu/pipeline"
	"github.com/hensu-run/hensu/plan"
	"github.com/hensu-run/hensu/registry"
	"github.com/hensu-run/hensu/telemetry"
	"github.com/hensu-run/hensu/toolerrors"
)

// Collaborators are the deployment-specific pieces a caller supplies;
// every field is optional except Agents, which falls back to a stub-only
// registry when nil and cfg.Agents.StubEnabled is true.
type Collaborators struct {
	Agents          *agentapi.ProviderRegistry
	Evaluator       agentapi.Agent // optional LLM-based rubric evaluator
	Tools           *registry.Registry
	ReviewHandler   agentapi.ReviewHandler
	ReviewConfigOf  pipeline.ReviewConfigLookup
	ActionHandlers  map[string]agentapi.ActionExecutor
	GenericHandlers map[string]node.GenericHandler
	MergeHandlers   map[string]node.MergeFunc
	Planner         plan.Planner
	Bus             hooks.Bus
}

// Environment is the running façade: one per node process. Build with
// Open, which also starts the lease heartbeat/sweep goroutines.
type Environment struct {
	cfg   *config.Config
	store *sqlite.Store

	executor  *executor.Executor
	nodes     *node.Registry
	workflows persistence.WorkflowRepository
	states    persistence.WorkflowStateRepository
	bus       hooks.Bus

	leaseMgr *lease.Manager
	cancel   context.CancelFunc
}

// Open builds an Environment backed by a sqlite database at
// cfg.Storage.SQLitePath, wires every collaborator into the executor, and
// starts the lease manager's background goroutine. Call Close to stop it.
func Open(ctx context.Context, cfg *config.Config, nodeID string, collab Collaborators) (*Environment, error) {
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	agents := collab.Agents
	if agents == nil {
		agents = agentapi.NewProviderRegistry()
		if cfg.Agents.StubEnabled {
			agents.Register(agentapi.NewStubProvider())
		}
	}

	// bgCtx governs every background goroutine Open starts (the lease
	// manager, and the Redis relay below); Close cancels it.
	bgCtx, cancel := context.WithCancel(context.Background())

	bus := collab.Bus
	if bus == nil {
		switch cfg.Hooks.Backend {
		case "redis":
			client := redis.NewClient(&redis.Options{Addr: cfg.Hooks.RedisAddr})
			rb := hooks.NewRedisBus(client, cfg.Hooks.RedisChannel)
			go rb.Relay(bgCtx)
			bus = rb
		default:
			bus = hooks.NewBus()
		}
	}

	logger := newLogger(cfg.Telemetry.LogBackend)
	metrics := newMetrics(cfg.Telemetry.MetricsBackend)

	// The rubric engine is NOT built here: it must be scoped to each
	// workflow's own Rubrics catalog, built fresh per execution by
	// executor.Executor.run. A single Engine stored on the shared Pipeline
	// would serve every workflow a tenant registers off one (likely empty)
	// catalog. Evaluator is carried on the Executor and threaded through at
	// run time instead.
	thresholds := pipeline.Thresholds{
		Critical:   cfg.Rubric.CriticalThreshold,
		Moderate:   cfg.Rubric.ModerateThreshold,
		Minor:      cfg.Rubric.MinorThreshold,
		MaxRetries: cfg.Rubric.MaxRetries,
	}
	pl := pipeline.New(nil, collab.ReviewHandler, collab.ReviewConfigOf, thresholds)

	nodes := node.NewRegistry()

	workflowLookup := func(workflowID string) (*model.Workflow, bool) {
		wf, err := store.Load(ctx, cfg.Storage.TenantID, workflowID)
		if err != nil {
			return nil, false
		}
		return wf, true
	}

	exec := executor.New(nodes, pl, persistence.BindNode(store, nodeID), bus, workflowLookup, cfg.Storage.TenantID)
	exec.StepCap = cfg.Execution.MaxSteps
	exec.Agents = agents
	exec.Evaluator = collab.Evaluator
	exec.Tools = collab.Tools
	exec.ActionHandlers = collab.ActionHandlers
	exec.GenericHandlers = collab.GenericHandlers
	exec.MergeHandlers = collab.MergeHandlers
	exec.Planner = collab.Planner
	exec.DefaultTimeout = cfg.Plan.DefaultTimeout
	exec.Logger = logger
	exec.Metrics = metrics

	leaseWorkflows := func(tenantID, workflowID string) (*model.Workflow, bool) {
		wf, err := store.Load(ctx, tenantID, workflowID)
		if err != nil {
			return nil, false
		}
		return wf, true
	}
	leaseCfg := lease.Config{
		NodeID:             nodeID,
		HeartbeatInterval:  cfg.Lease.HeartbeatInterval,
		HeartbeatJitter:    cfg.Lease.HeartbeatJitter,
		StaleThresholdSecs: int64(cfg.Lease.LeaseStaleThreshold.Seconds()),
	}
	leaseMgr := lease.New(store, exec, leaseWorkflows, bus, leaseCfg)
	leaseMgr.Logger = logger

	go leaseMgr.Run(bgCtx)

	return &Environment{
		cfg:       cfg,
		store:     store,
		executor:  exec,
		nodes:     nodes,
		workflows: store,
		states:    store,
		bus:       bus,
		leaseMgr:  leaseMgr,
		cancel:    cancel,
	}, nil
}

func newLogger(backend string) telemetry.Logger {
	switch backend {
	case "clue":
		return telemetry.NewClueLogger()
	default:
		return telemetry.NewNoopLogger()
	}
}

func newMetrics(backend string) telemetry.Metrics {
	switch backend {
	case "otel":
		return telemetry.NewOTELMetrics()
	case "prometheus":
		return telemetry.NewPrometheusMetrics(prometheus.NewRegistry())
	default:
		return telemetry.NewNoopMetrics()
	}
}

// Close stops the lease manager and closes the underlying database.
func (e *Environment) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.store.Close()
}

// RegisterWorkflow persists a workflow definition so Start/Resume can find
// it by id.
func (e *Environment) RegisterWorkflow(ctx context.Context, wf *model.Workflow) error {
	return e.workflows.Save(ctx, e.cfg.Storage.TenantID, wf)
}

// Start begins a brand-new execution of workflowID.
func (e *Environment) Start(ctx context.Context, workflowID string, initialContext map[string]any) (executor.ExecutionResult, error) {
	wf, err := e.workflows.Load(ctx, e.cfg.Storage.TenantID, workflowID)
	if err != nil {
		return executor.ExecutionResult{}, err
	}
	return e.executor.Execute(ctx, wf, initialContext), nil
}

// Resume continues a previously checkpointed, non-terminal execution.
func (e *Environment) Resume(ctx context.Context, executionID string) (executor.ExecutionResult, error) {
	row, err := e.states.Load(ctx, e.cfg.Storage.TenantID, executionID)
	if err != nil {
		return executor.ExecutionResult{}, err
	}
	if row.Snapshot.CheckpointReason.Final() {
		return executor.ExecutionResult{}, toolerrors.Newf(toolerrors.KindInvariantViolated, "execution %q is already terminal (%s)", executionID, row.Snapshot.CheckpointReason)
	}
	wf, err := e.workflows.Load(ctx, e.cfg.Storage.TenantID, row.Snapshot.WorkflowID)
	if err != nil {
		return executor.ExecutionResult{}, err
	}
	return e.executor.ExecuteFrom(ctx, wf, row.Snapshot), nil
}

// Events returns a Subscription streaming every ExecutionEvent published
// for executionID until the returned cancel func is called or ctx is
// done. The channel is unbuffered past a small window; slow consumers may
// miss events during a burst, matching the bus's best-effort delivery
// contract (spec.md §9).
func (e *Environment) Events(ctx context.Context, executionID string) (<-chan hooks.ExecutionEvent, func(), error) {
	ch := make(chan hooks.ExecutionEvent, 16)
	sub, err := e.bus.Register(hooks.SubscriberFunc(func(_ context.Context, event hooks.ExecutionEvent) error {
		if event.ExecutionID != executionID {
			return nil
		}
		select {
		case ch <- event:
		case <-ctx.Done():
		default:
		}
		return nil
	}))
	if err != nil {
		return nil, nil, err
	}
	stop := func() { _ = sub.Close(); close(ch) }
	return ch, stop, nil
}
