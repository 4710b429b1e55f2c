// Package model defines the immutable workflow graph: nodes, transition
// rules, agent configuration, and rubric definitions. A Workflow is built
// once by the (out-of-scope) DSL/parser layer and is read-only for the
// lifetime of every execution that runs against it.
package model

import "fmt"

// Workflow is the immutable, read-only graph an Executor runs against.
// Construct with New, which validates the invariants every execution
// depends on: startNodeId resolves, and every rubricId referenced by a
// node resolves to a defined rubric.
type Workflow struct {
	ID          string
	Version     string
	StartNodeID string

	Agents  map[string]AgentConfig
	Rubrics map[string]Rubric
	Nodes   map[string]Node

	Metadata Metadata
	Config   WorkflowConfig
}

// Metadata carries descriptive, non-semantic information about a workflow.
type Metadata struct {
	Name        string
	Description string
	Author      string
	Tags        []string
	CreatedAt   int64
	UpdatedAt   int64
}

// WorkflowConfig carries global defaults a node may fall back to when it
// does not set its own timeout/retry values.
type WorkflowConfig struct {
	DefaultTimeoutSeconds int
	DefaultMaxRetries     int
}

// New validates and returns a Workflow. It is the only supported
// construction path outside of deserializing a previously validated one.
func New(w Workflow) (*Workflow, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("model: workflow id is required")
	}
	if _, ok := w.Nodes[w.StartNodeID]; !ok {
		return nil, fmt.Errorf("model: start node %q not found in workflow %q", w.StartNodeID, w.ID)
	}
	for id, n := range w.Nodes {
		if n.RubricID != "" {
			if _, ok := w.Rubrics[n.RubricID]; !ok {
				return nil, fmt.Errorf("model: node %q references unknown rubric %q", id, n.RubricID)
			}
		}
		if n.Kind == NodeParallel {
			for _, b := range n.Parallel.Branches {
				if b.RubricID != "" {
					if _, ok := w.Rubrics[b.RubricID]; !ok {
						return nil, fmt.Errorf("model: node %q branch %q references unknown rubric %q", id, b.ID, b.RubricID)
					}
				}
			}
		}
	}
	cp := w
	return &cp, nil
}

// Node looks up a node by id.
func (w *Workflow) Node(id string) (Node, bool) {
	n, ok := w.Nodes[id]
	return n, ok
}

// Agent looks up an agent configuration by id.
func (w *Workflow) Agent(id string) (AgentConfig, bool) {
	a, ok := w.Agents[id]
	return a, ok
}

// Rubric looks up a rubric definition by id.
func (w *Workflow) Rubric(id string) (Rubric, bool) {
	r, ok := w.Rubrics[id]
	return r, ok
}

// AgentConfig describes how to construct and invoke a single agent.
type AgentConfig struct {
	ID           string
	Model        string
	Role         string
	Temperature  float64
	MaxTokens    int
	ToolIDs      []string
	Instructions string
}
