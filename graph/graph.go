//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package graph implements a resumable executor for directed acyclic
// workflow graphs: topological layering, concurrent layer execution with
// isolated-context merge semantics, per-node timeout/retry/error policies,
// content-addressed result caching, and checkpoint/resume with
// human-in-the-loop suspension.
package graph

import (
	"fmt"
	"sync"
	"time"
)

// NodeKind represents the kind of a node in the graph.
type NodeKind string

const (
	// NodeKindHandler represents a node that executes a named handler.
	NodeKindHandler NodeKind = "handler"
	// NodeKindRouter represents a node whose output drives conditional edges.
	NodeKindRouter NodeKind = "router"
	// NodeKindSubGraph represents a node that runs a nested graph.
	NodeKindSubGraph NodeKind = "subgraph"
	// NodeKindMap represents a node that fans out over an input collection.
	NodeKindMap NodeKind = "map"
)

// EdgeCondition decides whether an edge carries the source node's output,
// based on that output map.
type EdgeCondition func(output map[string]any) bool

// Edge represents a data-carrying edge between two nodes.
type Edge struct {
	// From is the source node ID.
	From string
	// To is the target node ID.
	To string
	// Condition is an optional predicate over the source node's output.
	// A nil condition always matches.
	Condition EdgeCondition
	// Default marks the edge selected only if no other edge from the same
	// source matched. At most one default edge per source is honored.
	Default bool
}

// RetryPolicy defines how transient node failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of invocations, including the first.
	MaxAttempts int
	// IsTransient reports whether a failure may be retried, in addition to
	// the handler's own Transient flag. A nil predicate defers entirely to
	// the handler-reported flag.
	IsTransient func(error) bool
	// Delay returns the wait before the given retry attempt (1-based).
	// A nil function retries immediately.
	Delay func(attempt int) time.Duration
}

// FixedDelay returns a delay function with a constant wait between attempts.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialDelay returns a delay function that doubles the base wait for
// each attempt: base, 2*base, 4*base, ...
func ExponentialDelay(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(1<<(attempt-1))
	}
}

// LinearDelay returns a delay function that grows the base wait linearly with
// the attempt number: base, 2*base, 3*base, ...
func LinearDelay(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(attempt)
	}
}

// ErrorPolicyMode selects how a node failure propagates through the run.
type ErrorPolicyMode string

const (
	// ErrorPolicyStopGraph aborts the entire run with a fatal error. Default.
	ErrorPolicyStopGraph ErrorPolicyMode = "stop_graph"
	// ErrorPolicySkipDependents records the failure and skips downstream
	// dependents instead of aborting.
	ErrorPolicySkipDependents ErrorPolicyMode = "skip_dependents"
	// ErrorPolicyExecuteFallback runs a designated fallback node instead.
	ErrorPolicyExecuteFallback ErrorPolicyMode = "execute_fallback"
	// ErrorPolicyIsolate marks the failing node complete with no output so
	// downstream nodes proceed.
	ErrorPolicyIsolate ErrorPolicyMode = "isolate"
	// ErrorPolicyDelegateToHandler runs a designated error-handler node whose
	// own result governs what happens next.
	ErrorPolicyDelegateToHandler ErrorPolicyMode = "delegate_to_handler"
)

// ErrorPolicy defines error propagation for a node.
type ErrorPolicy struct {
	// Mode selects the propagation behavior. Empty means ErrorPolicyStopGraph.
	Mode ErrorPolicyMode
	// AffectedNodes limits ErrorPolicySkipDependents to the listed dependents.
	// Empty means all dependents.
	AffectedNodes []string
	// FallbackNodeID names the node run by ErrorPolicyExecuteFallback.
	FallbackNodeID string
	// HandlerNodeID names the node run by ErrorPolicyDelegateToHandler.
	HandlerNodeID string
	// Absorb reports whether a failure should be silently absorbed instead of
	// propagated. Absorbed failures mark the node complete with no output.
	Absorb func(error) bool
}

// MapErrorMode selects how item failures affect a map node.
type MapErrorMode string

const (
	// MapFailFast cancels all in-flight items and fails on the first error.
	MapFailFast MapErrorMode = "fail_fast"
	// MapContinueWithNulls replaces failed items with nil, preserving order.
	MapContinueWithNulls MapErrorMode = "continue_with_nulls"
	// MapContinueOmitFailures drops failed items, preserving relative order
	// of successes.
	MapContinueOmitFailures MapErrorMode = "continue_omit_failures"
)

// MapConfig configures a map node's fan-out behavior.
//
// Exactly one of Processor (homogeneous) or Processors+RouterName
// (heterogeneous) must be set.
type MapConfig struct {
	// InputChannel names the channel holding the input collection. Empty
	// means the single upstream edge's output is used.
	InputChannel string
	// Processor is the graph run for every item (homogeneous dispatch).
	Processor *Graph
	// Processors maps routing keys to processor graphs (heterogeneous
	// dispatch). Requires RouterName.
	Processors map[string]*Graph
	// RouterName names the Router resolved for heterogeneous dispatch.
	RouterName string
	// DefaultProcessor is used when the router's key has no entry in
	// Processors.
	DefaultProcessor *Graph
	// MaxParallelItems caps concurrent item executions. Zero means host
	// parallelism.
	MaxParallelItems int
	// ErrorMode selects item failure handling. Empty means MapFailFast.
	ErrorMode MapErrorMode
}

// Node represents a unit of work in the graph.
type Node struct {
	// ID is the unique identifier of the node within its graph.
	ID string
	// Kind is the kind of the node.
	Kind NodeKind
	// Version is incremented whenever the node's definition changes in a way
	// that invalidates checkpointed outputs.
	Version int
	// HandlerName names the external handler for handler/router nodes.
	HandlerName string
	// Timeout bounds a single handler invocation. Zero means no timeout.
	Timeout time.Duration
	// MaxExecutions caps how many times the node may run in one execution.
	// Zero means unlimited.
	MaxExecutions int
	// MaxParallelExecutions caps concurrent invocations of this node, for
	// example when it is driven from inside a map. Zero means unlimited.
	MaxParallelExecutions int
	// Retry is the optional retry policy for transient failures.
	Retry *RetryPolicy
	// ErrorPolicy is the optional error-propagation policy.
	ErrorPolicy *ErrorPolicy
	// SubGraph is the nested graph for subgraph nodes.
	SubGraph *Graph
	// Map is the fan-out configuration for map nodes.
	Map *MapConfig
}

// Graph is an immutable directed acyclic workflow graph. It is produced once
// at build time and read-only during execution.
type Graph struct {
	id      string
	name    string
	version string

	nodes     []*Node
	nodeIndex map[string]*Node
	edges     []*Edge
	incoming  map[string][]*Edge
	outgoing  map[string][]*Edge

	layersOnce sync.Once
	layers     [][]string
	layersErr  error
}

// New creates a graph from the given identity, nodes, and edges. It rejects
// duplicate node ids and edges referencing unknown nodes; acyclicity is
// checked by ExecutionLayers.
func New(id, name, version string, nodes []*Node, edges []*Edge) (*Graph, error) {
	g := &Graph{
		id:        id,
		name:      name,
		version:   version,
		nodes:     nodes,
		nodeIndex: make(map[string]*Node, len(nodes)),
		edges:     edges,
		incoming:  make(map[string][]*Edge),
		outgoing:  make(map[string][]*Edge),
	}
	for _, node := range nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("graph %s: node ID cannot be empty", id)
		}
		if _, exists := g.nodeIndex[node.ID]; exists {
			return nil, fmt.Errorf("graph %s: duplicate node ID %s", id, node.ID)
		}
		g.nodeIndex[node.ID] = node
	}
	for _, edge := range edges {
		if _, exists := g.nodeIndex[edge.From]; !exists {
			return nil, fmt.Errorf("graph %s: edge source node %s does not exist", id, edge.From)
		}
		if _, exists := g.nodeIndex[edge.To]; !exists {
			return nil, fmt.Errorf("graph %s: edge target node %s does not exist", id, edge.To)
		}
		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
	}
	return g, nil
}

// MustNew is like New but panics on error. Intended for static graph wiring.
func MustNew(id, name, version string, nodes []*Node, edges []*Edge) *Graph {
	g, err := New(id, name, version, nodes, edges)
	if err != nil {
		panic(err)
	}
	return g
}

// ID returns the graph's identifier.
func (g *Graph) ID() string { return g.id }

// Name returns the graph's human-readable name.
func (g *Graph) Name() string { return g.name }

// Version returns the graph's version string.
func (g *Graph) Version() string { return g.version }

// Nodes returns the graph's nodes in definition order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) (*Node, bool) {
	node, exists := g.nodeIndex[id]
	return node, exists
}

// GetIncomingEdges returns all edges ending at the given node.
func (g *Graph) GetIncomingEdges(nodeID string) []*Edge {
	return g.incoming[nodeID]
}

// GetOutgoingEdges returns all edges starting at the given node.
func (g *Graph) GetOutgoingEdges(nodeID string) []*Edge {
	return g.outgoing[nodeID]
}

// GlobalHash returns the graph identity component of cache fingerprints.
// It changes whenever the graph id or version changes.
func (g *Graph) GlobalHash() string {
	return g.id + "@" + g.version
}

// Validate checks the graph's structure: acyclicity, node kinds, handler
// names, and composite configuration. It reports the first problem found.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph %s: %w", g.id, ErrEmptyGraph)
	}
	if _, err := g.ExecutionLayers(); err != nil {
		return err
	}
	for _, node := range g.nodes {
		if err := g.validateNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateNode(node *Node) error {
	switch node.Kind {
	case NodeKindHandler, NodeKindRouter:
		if node.HandlerName == "" {
			return fmt.Errorf("node %s: handler name is required for %s nodes", node.ID, node.Kind)
		}
	case NodeKindSubGraph:
		if node.SubGraph == nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrMissingSubGraph)
		}
		if err := node.SubGraph.Validate(); err != nil {
			return fmt.Errorf("node %s: invalid subgraph: %w", node.ID, err)
		}
	case NodeKindMap:
		if node.Map == nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrInvalidMapConfig)
		}
		if err := node.Map.validate(node.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("node %s: unknown node kind %q", node.ID, node.Kind)
	}
	if policy := node.ErrorPolicy; policy != nil {
		if policy.Mode == ErrorPolicyExecuteFallback && policy.FallbackNodeID == "" {
			return fmt.Errorf("node %s: execute_fallback policy requires a fallback node ID", node.ID)
		}
		if policy.Mode == ErrorPolicyDelegateToHandler && policy.HandlerNodeID == "" {
			return fmt.Errorf("node %s: delegate_to_handler policy requires a handler node ID", node.ID)
		}
	}
	return nil
}

// validate checks the mutually exclusive processor configuration of a map
// node before any item work is spawned.
func (m *MapConfig) validate(nodeID string) error {
	homogeneous := m.Processor != nil
	heterogeneous := len(m.Processors) > 0
	if homogeneous == heterogeneous {
		return fmt.Errorf("node %s: %w: exactly one of Processor or Processors must be set", nodeID, ErrInvalidMapConfig)
	}
	if heterogeneous && m.RouterName == "" {
		return fmt.Errorf("node %s: %w: Processors requires RouterName", nodeID, ErrInvalidMapConfig)
	}
	return nil
}
