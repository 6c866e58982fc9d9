//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ExecutionContext carries the mutable state of one graph run: channels,
// completed nodes, per-node execution counts, and the lifecycle event sink.
//
// One context exists per run. Sequential work mutates it in place. Before a
// parallel or composite branch, CreateIsolatedCopy produces an ephemeral
// clone that is merged back with MergeFrom once the isolated work finishes,
// so concurrently executing nodes never observe each other's partial writes.
type ExecutionContext struct {
	// ExecutionID identifies the run. Generated when empty.
	ExecutionID string
	// Graph is the graph being executed.
	Graph *Graph

	mu         sync.RWMutex
	channels   *channelStore
	completed  map[string]bool
	execCounts map[string]int
	layerIndex int
	suspension *Suspension

	sink EventSink
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithEventSink sets the lifecycle event sink for the run.
func WithEventSink(sink EventSink) ContextOption {
	return func(c *ExecutionContext) {
		c.sink = sink
	}
}

// NewExecutionContext creates a context for one run of the given graph.
func NewExecutionContext(executionID string, g *Graph, opts ...ContextOption) *ExecutionContext {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	ctx := &ExecutionContext{
		ExecutionID: executionID,
		Graph:       g,
		channels:    newChannelStore(),
		completed:   make(map[string]bool),
		execCounts:  make(map[string]int),
		sink:        NoopSink{},
	}
	for _, opt := range opts {
		opt(ctx)
	}
	if ctx.sink == nil {
		ctx.sink = NoopSink{}
	}
	return ctx
}

// SetChannel writes a persistent channel.
func (c *ExecutionContext) SetChannel(name string, value any) {
	c.channels.set(name, value, ChannelPersistent)
}

// SetEphemeralChannel writes a channel cleared at the end of the layer.
func (c *ExecutionContext) SetEphemeralChannel(name string, value any) {
	c.channels.set(name, value, ChannelEphemeral)
}

// Channel reads a channel by name.
func (c *ExecutionContext) Channel(name string) (any, bool) {
	return c.channels.get(name)
}

// DeleteChannel removes a channel by name.
func (c *ExecutionContext) DeleteChannel(name string) {
	c.channels.delete(name)
}

// ClearEphemeralChannels drops every ephemeral channel. The scheduler calls
// this at the end of each layer.
func (c *ExecutionContext) ClearEphemeralChannels() {
	c.channels.clearEphemeral()
}

// SetNodeOutput publishes a node's output map to its output channel.
func (c *ExecutionContext) SetNodeOutput(nodeID string, output map[string]any) {
	c.channels.set(NodeOutputKey(nodeID), output, ChannelPersistent)
}

// NodeOutput reads a node's published output map.
func (c *ExecutionContext) NodeOutput(nodeID string) (map[string]any, bool) {
	v, ok := c.channels.get(NodeOutputKey(nodeID))
	if !ok {
		return nil, false
	}
	out, ok := v.(map[string]any)
	return out, ok
}

// MarkComplete records the node as complete for this run.
func (c *ExecutionContext) MarkComplete(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[nodeID] = true
}

// IsComplete reports whether the node already completed in this run.
func (c *ExecutionContext) IsComplete(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed[nodeID]
}

// CompletedNodes returns the ids of all completed nodes.
func (c *ExecutionContext) CompletedNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.completed))
	for id := range c.completed {
		out = append(out, id)
	}
	return out
}

// ExecutionCount returns how many times the node has been invoked, retries
// included.
func (c *ExecutionContext) ExecutionCount(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.execCounts[nodeID]
}

// IncrementExecutionCount bumps the node's invocation count and returns the
// new value.
func (c *ExecutionContext) IncrementExecutionCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCounts[nodeID]++
	return c.execCounts[nodeID]
}

// CurrentLayer returns the index of the layer being executed.
func (c *ExecutionContext) CurrentLayer() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layerIndex
}

func (c *ExecutionContext) setCurrentLayer(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layerIndex = i
}

// Suspension returns the suspension recorded by the last suspended handler,
// if any.
func (c *ExecutionContext) Suspension() (*Suspension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suspension, c.suspension != nil
}

func (c *ExecutionContext) setSuspension(s *Suspension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspension = s
}

// CreateIsolatedCopy returns a context sharing the graph and sink but owning
// copies of the completed set, execution counts, and channels, so concurrent
// work in one layer cannot observe a sibling's partial writes.
func (c *ExecutionContext) CreateIsolatedCopy() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	completed := make(map[string]bool, len(c.completed))
	for id := range c.completed {
		completed[id] = true
	}
	counts := make(map[string]int, len(c.execCounts))
	for id, n := range c.execCounts {
		counts[id] = n
	}
	return &ExecutionContext{
		ExecutionID: c.ExecutionID,
		Graph:       c.Graph,
		channels:    c.channels.clone(),
		completed:   completed,
		execCounts:  counts,
		layerIndex:  c.layerIndex,
		suspension:  c.suspension,
		sink:        c.sink,
	}
}

// MergeFrom folds an isolated copy back into the receiver: union of completed
// nodes, maximum of execution counts, and channel contents with last writer
// wins on collision.
func (c *ExecutionContext) MergeFrom(other *ExecutionContext) {
	other.mu.RLock()
	completed := make([]string, 0, len(other.completed))
	for id := range other.completed {
		completed = append(completed, id)
	}
	counts := make(map[string]int, len(other.execCounts))
	for id, n := range other.execCounts {
		counts[id] = n
	}
	suspension := other.suspension
	other.mu.RUnlock()

	c.mu.Lock()
	for _, id := range completed {
		c.completed[id] = true
	}
	for id, n := range counts {
		if n > c.execCounts[id] {
			c.execCounts[id] = n
		}
	}
	if suspension != nil {
		c.suspension = suspension
	}
	c.mu.Unlock()

	c.channels.mergeFrom(other.channels)
}

// PersistentChannelValues snapshots every persistent channel, used when
// capturing a checkpoint.
func (c *ExecutionContext) PersistentChannelValues() map[string]any {
	return c.channels.snapshot(func(ch *Channel) bool {
		return ch.Kind == ChannelPersistent
	})
}

// OutputChannelValues collects every channel named with the output prefix,
// with the prefix stripped. Composite nodes use this to gather a nested
// run's result.
func (c *ExecutionContext) OutputChannelValues() map[string]any {
	out := make(map[string]any)
	for name, v := range c.channels.snapshot(nil) {
		if strings.HasPrefix(name, ChannelOutputPrefix) {
			out[strings.TrimPrefix(name, ChannelOutputPrefix)] = v
		}
	}
	return out
}

// child derives a context for a nested graph run. The child starts empty:
// composite inputs are seeded onto input channels by the caller.
func (c *ExecutionContext) child(executionID string, g *Graph) *ExecutionContext {
	return NewExecutionContext(executionID, g, WithEventSink(c.sink))
}
