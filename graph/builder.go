//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// NodeOption configures a node added through the builder.
type NodeOption func(*Node)

// WithVersion sets the node's definition version.
func WithVersion(version int) NodeOption {
	return func(n *Node) { n.Version = version }
}

// WithTimeout bounds a single invocation of the node.
func WithTimeout(timeout time.Duration) NodeOption {
	return func(n *Node) { n.Timeout = timeout }
}

// WithMaxExecutions caps how many times the node may run in one execution.
func WithMaxExecutions(max int) NodeOption {
	return func(n *Node) { n.MaxExecutions = max }
}

// WithMaxParallelExecutions caps concurrent invocations of the node.
func WithMaxParallelExecutions(max int) NodeOption {
	return func(n *Node) { n.MaxParallelExecutions = max }
}

// WithRetry sets the node's retry policy.
func WithRetry(policy *RetryPolicy) NodeOption {
	return func(n *Node) { n.Retry = policy }
}

// WithErrorPolicy sets the node's error-propagation policy.
func WithErrorPolicy(policy *ErrorPolicy) NodeOption {
	return func(n *Node) { n.ErrorPolicy = policy }
}

// Builder assembles a Graph incrementally. Errors are deferred to Build so
// call sites can chain without per-call checks.
type Builder struct {
	id      string
	name    string
	version string
	nodes   []*Node
	edges   []*Edge
}

// NewBuilder creates a builder for a graph with the given identity.
func NewBuilder(id, name, version string) *Builder {
	return &Builder{id: id, name: name, version: version}
}

// AddNode appends a fully formed node.
func (b *Builder) AddNode(node *Node) *Builder {
	b.nodes = append(b.nodes, node)
	return b
}

// AddHandler appends a handler node.
func (b *Builder) AddHandler(id, handlerName string, opts ...NodeOption) *Builder {
	return b.add(&Node{ID: id, Kind: NodeKindHandler, HandlerName: handlerName}, opts)
}

// AddRouter appends a router node whose output drives conditional edges.
func (b *Builder) AddRouter(id, handlerName string, opts ...NodeOption) *Builder {
	return b.add(&Node{ID: id, Kind: NodeKindRouter, HandlerName: handlerName}, opts)
}

// AddSubGraph appends a node that runs a nested graph.
func (b *Builder) AddSubGraph(id string, sub *Graph, opts ...NodeOption) *Builder {
	return b.add(&Node{ID: id, Kind: NodeKindSubGraph, SubGraph: sub}, opts)
}

// AddMap appends a node that fans out over an input collection.
func (b *Builder) AddMap(id string, cfg *MapConfig, opts ...NodeOption) *Builder {
	return b.add(&Node{ID: id, Kind: NodeKindMap, Map: cfg}, opts)
}

func (b *Builder) add(node *Node, opts []NodeOption) *Builder {
	for _, opt := range opts {
		opt(node)
	}
	b.nodes = append(b.nodes, node)
	return b
}

// AddEdge appends an unconditional edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, &Edge{From: from, To: to})
	return b
}

// AddConditionalEdge appends an edge gated on the source node's output.
func (b *Builder) AddConditionalEdge(from, to string, condition EdgeCondition) *Builder {
	b.edges = append(b.edges, &Edge{From: from, To: to, Condition: condition})
	return b
}

// AddDefaultEdge appends an edge taken only when no conditional edge from
// the same source matched.
func (b *Builder) AddDefaultEdge(from, to string) *Builder {
	b.edges = append(b.edges, &Edge{From: from, To: to, Default: true})
	return b
}

// Build assembles and structurally validates the graph.
func (b *Builder) Build() (*Graph, error) {
	g, err := New(b.id, b.name, b.version, b.nodes, b.edges)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// MustBuild is like Build but panics on error. Intended for static wiring.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
