//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"time"

	"github.com/flowgraph/flowgraph/log"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventRunStarted is emitted once when a run begins.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted is emitted once when a run finishes, with outcome
	// counts.
	EventRunCompleted EventType = "run_completed"
	// EventLayerStarted is emitted before a layer's nodes dispatch.
	EventLayerStarted EventType = "layer_started"
	// EventLayerCompleted is emitted after a layer's merge step.
	EventLayerCompleted EventType = "layer_completed"
	// EventNodeStarted is emitted before a handler invocation.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted is emitted after a node reaches a terminal outcome.
	EventNodeCompleted EventType = "node_completed"
)

// NodeOutcome is the terminal outcome reported on node and run events.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the node produced an output.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeCached indicates the output was synthesized from the cache.
	OutcomeCached NodeOutcome = "cached"
	// OutcomeFailure indicates the node failed terminally.
	OutcomeFailure NodeOutcome = "failure"
	// OutcomeSkipped indicates the node was skipped.
	OutcomeSkipped NodeOutcome = "skipped"
	// OutcomeSuspended indicates the node suspended the run.
	OutcomeSuspended NodeOutcome = "suspended"
	// OutcomeCancelled indicates the node observed cancellation.
	OutcomeCancelled NodeOutcome = "cancelled"
)

// Event is one lifecycle event of a run. Fields beyond Type, ExecutionID,
// GraphID, and Time are populated per event type.
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID string      `json:"execution_id"`
	GraphID     string      `json:"graph_id"`
	Time        time.Time   `json:"time"`
	Layer       int         `json:"layer,omitempty"`
	NodeCount   int         `json:"node_count,omitempty"`
	NodeID      string      `json:"node_id,omitempty"`
	HandlerName string      `json:"handler_name,omitempty"`
	// Attempt is the 1-based execution count for node events, so retries
	// are distinguishable from first attempts.
	Attempt int         `json:"attempt,omitempty"`
	Outcome NodeOutcome `json:"outcome,omitempty"`
	// Progress is the fraction of graph nodes complete after this event.
	Progress float64       `json:"progress,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	// Succeeded..Cancelled are outcome counts on run_completed events.
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventSink receives lifecycle events. Implementations must be fast and must
// not block; the engine additionally guards every emission so a panicking
// sink can never fail the run.
type EventSink interface {
	OnEvent(evt *Event)
}

// NoopSink discards all events.
type NoopSink struct{}

// OnEvent implements EventSink.
func (NoopSink) OnEvent(*Event) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(evt *Event)

// OnEvent implements EventSink.
func (f SinkFunc) OnEvent(evt *Event) { f(evt) }

// emit delivers an event to the context's sink, recovering panics so event
// emission never blocks or fails the run.
func emit(c *ExecutionContext, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("graph: event sink panicked on %s event: %v", evt.Type, r)
		}
	}()
	evt.ExecutionID = c.ExecutionID
	evt.GraphID = c.Graph.ID()
	evt.Time = time.Now()
	c.sink.OnEvent(evt)
}
