package model

// NodeKind tags which variant a Node carries. Dispatch on Kind is
// exhaustive and happens once, in the node executor registry — never via
// scattered type assertions.
type NodeKind string

const (
	NodeStandard    NodeKind = "standard"
	NodeParallel    NodeKind = "parallel"
	NodeFork        NodeKind = "fork"
	NodeJoin        NodeKind = "join"
	NodeLoop        NodeKind = "loop"
	NodeAction      NodeKind = "action"
	NodeGeneric     NodeKind = "generic"
	NodeSubWorkflow NodeKind = "sub_workflow"
	NodeEnd         NodeKind = "end"
)

// Node is the tagged union over every node variant a workflow graph can
// contain. Exactly one of the variant pointer fields is populated,
// matching Kind. Common fields (ID, TransitionRules, RubricID) apply
// regardless of variant.
type Node struct {
	ID              string
	Kind            NodeKind
	TransitionRules []TransitionRule
	RubricID        string

	Standard    *StandardNode
	Parallel    *ParallelNode
	Fork        *ForkNode
	Join        *JoinNode
	Loop        *LoopNode
	Action      *ActionNode
	Generic     *GenericNode
	SubWorkflow *SubWorkflowNode
	End         *EndNode
}

// StandardNode invokes a single agent with a resolved prompt.
type StandardNode struct {
	AgentID          string
	Prompt           string
	OutputParams     []string
	PlanFailureTarget string
	Planning         PlanningConfig
}

// PlanningMode controls whether a Standard node may enter the plan engine
// when its agent responds with a ToolRequest.
type PlanningMode string

const (
	PlanningDisabled PlanningMode = "disabled"
	PlanningEnabled  PlanningMode = "enabled"
)

// PlanningConfig configures plan sub-state-machine entry for a Standard
// node. Zero value means planning is disabled.
type PlanningConfig struct {
	Mode        PlanningMode
	MaxSteps    int
	MaxReplans  int
	TimeoutSecs int

	// ReviewGated marks that this node's review config targets plans
	// (spec.md §4.7): the plan engine suspends right after plan creation,
	// before dispatching any step, so a human reviewer can inspect the
	// proposed steps before they run.
	ReviewGated bool
}

// Branch is one concurrent agent call within a Parallel node.
type Branch struct {
	ID       string
	AgentID  string
	Prompt   string
	RubricID string
}

// ConsensusKind selects how Parallel branch results are aggregated.
type ConsensusKind string

const (
	ConsensusAll      ConsensusKind = "all"
	ConsensusMajority ConsensusKind = "majority"
	ConsensusAny      ConsensusKind = "any"
)

// ConsensusStrategy configures Parallel branch aggregation.
type ConsensusStrategy struct {
	Kind ConsensusKind
}

// ParallelNode launches every Branch concurrently and aggregates by
// Consensus.
type ParallelNode struct {
	Branches  []Branch
	Consensus ConsensusStrategy
}

// ForkNode fans execution out into concurrent paths sharing a ForkJoinContext.
type ForkNode struct {
	Targets []string
}

// MergeStrategyKind selects how a Join node combines awaited results.
type MergeStrategyKind string

const (
	MergeCollectAll      MergeStrategyKind = "collect_all"
	MergeFirstCompleted  MergeStrategyKind = "first_completed"
	MergeConcatenate     MergeStrategyKind = "concatenate"
	MergeMaps            MergeStrategyKind = "merge_maps"
	MergeCustom          MergeStrategyKind = "custom"
)

// JoinNode waits for every entry in AwaitTargets to complete, merges their
// outputs per MergeStrategy, and stores the result under OutputField.
type JoinNode struct {
	AwaitTargets  []string
	MergeStrategy MergeStrategyKind
	CustomMergeID string
	OutputField   string
}

// BreakRule is evaluated against the loop body's post-state each
// iteration; when Condition matches, the loop breaks to Target.
type BreakRule struct {
	Condition string
	Target    string
}

// LoopNode repeats Body until a BreakRule matches or MaxIterations is hit.
type LoopNode struct {
	Body          string
	BreakRules    []BreakRule
	MaxIterations int
}

// ActionKind selects whether an ActionNode sends to a handler or executes a
// local command.
type ActionKind string

const (
	ActionSend    ActionKind = "send"
	ActionExecute ActionKind = "execute"
)

// Action is the tagged payload an ActionNode dispatches.
type Action struct {
	Kind ActionKind

	// Send fields.
	HandlerID string
	Payload   map[string]any

	// Execute fields.
	CommandID string
	Args      map[string]any
}

// ActionNode dispatches an Action to the ActionExecutor collaborator.
type ActionNode struct {
	Action Action
}

// GenericNode delegates to a handler registered under ExecutorType in the
// generic node registry, passing through an opaque Config payload.
type GenericNode struct {
	ExecutorType string
	Config       map[string]any
}

// SubWorkflowNode projects parent context into a nested workflow execution
// and projects results back.
type SubWorkflowNode struct {
	WorkflowID    string
	InputMapping  map[string]string
	OutputMapping map[string]string
}

// ExitStatus is the terminal status an End node produces.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
)

// EndNode marks a terminal node; the executor stops the loop here.
type EndNode struct {
	Status ExitStatus
}
