//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCycle reports that the graph is not acyclic.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrEmptyGraph reports a graph with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")
	// ErrHandlerNotFound reports that a node's handler name did not resolve.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrRouterNotFound reports that a map node's router name did not resolve.
	ErrRouterNotFound = errors.New("router not found")
	// ErrNodeNotFound reports a reference to a node id absent from the graph.
	ErrNodeNotFound = errors.New("node not found")
	// ErrMissingSubGraph reports a subgraph node without a nested graph.
	ErrMissingSubGraph = errors.New("subgraph node has no graph")
	// ErrInvalidMapConfig reports a malformed map node configuration.
	ErrInvalidMapConfig = errors.New("invalid map configuration")
	// ErrNoProcessorForItem reports that heterogeneous map dispatch found
	// neither a routed nor a default processor graph for an item.
	ErrNoProcessorForItem = errors.New("no processor graph for item")
	// ErrExecutionIDRequired reports a Resume call without an execution id.
	ErrExecutionIDRequired = errors.New("execution id is required")
	// ErrExecutionContextRequired reports a run started without a context.
	ErrExecutionContextRequired = errors.New("execution context is required")
	// ErrStreamPanicked reports that a streamed run died to a panic.
	ErrStreamPanicked = errors.New("streamed run panicked")
)

// Suspension is the control-flow exit taken when a node's handler returns a
// Suspended result. It is an error so it can travel up the scheduling stack,
// but it is not a failure: the caller is expected to keep the checkpoint
// captured on exit and later deliver external input and call Resume.
type Suspension struct {
	// NodeID is the node whose handler suspended the run.
	NodeID string
	// Token identifies the suspension for out-of-band correlation.
	Token string
	// Message is an optional human-readable prompt.
	Message string
	// ResumeValue is an optional value proposed by the handler for resumption.
	ResumeValue any
	// Time is when the suspension occurred.
	Time time.Time
}

// Error implements the error interface.
func (s *Suspension) Error() string {
	return fmt.Sprintf("graph suspended at node %s (token %s): %s", s.NodeID, s.Token, s.Message)
}

// AsSuspension extracts a *Suspension from an error chain.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// NodeError wraps the causal failure of a run aborted by a stop_graph policy.
type NodeError struct {
	// NodeID is the failed node.
	NodeID string
	// Severity carries the handler-reported severity.
	Severity Severity
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying failure.
func (e *NodeError) Unwrap() error { return e.Err }
