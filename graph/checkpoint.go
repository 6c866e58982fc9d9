//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowgraph/flowgraph/log"
)

// DefaultMaxCheckpointsPerExecution bounds how many checkpoints stores keep
// per execution before pruning the oldest.
const DefaultMaxCheckpointsPerExecution = 50

// NodeStateMeta is the per-node metadata captured in a checkpoint. A node's
// persisted output is only trustworthy on resume if the node's current graph
// definition carries the same Version as at capture time.
type NodeStateMeta struct {
	// NodeID is the node this metadata describes.
	NodeID string `json:"node_id"`
	// Version is the node's Version at capture time.
	Version int `json:"version"`
	// Snapshot is the serialized node output at capture time.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	// CapturedAt is when the snapshot was taken.
	CapturedAt time.Time `json:"captured_at"`
}

// Checkpoint is a durable snapshot of one run's completed-node state,
// captured after each layer and consumed only by Resume.
type Checkpoint struct {
	// ID is the unique identifier of this checkpoint.
	ID string `json:"id"`
	// ExecutionID is the run this checkpoint belongs to.
	ExecutionID string `json:"execution_id"`
	// GraphID is the graph the run executes.
	GraphID string `json:"graph_id"`
	// CreatedAt is when the checkpoint was captured.
	CreatedAt time.Time `json:"created_at"`
	// LayerIndex is the last fully completed layer.
	LayerIndex int `json:"layer_index"`
	// CompletedNodes lists every node id complete at capture time.
	CompletedNodes []string `json:"completed_nodes"`
	// NodeOutputs holds the persisted output map per completed node.
	NodeOutputs map[string]map[string]any `json:"node_outputs"`
	// Channels holds every persistent channel value outside node outputs,
	// so a resumed run sees handler-written state and not only outputs.
	Channels map[string]any `json:"channels,omitempty"`
	// NodeStates holds per-node capture metadata keyed by node id.
	NodeStates map[string]NodeStateMeta `json:"node_states"`
}

// Clone returns a deep-enough copy for store isolation: slices and maps are
// copied, output values are shared.
func (cp *Checkpoint) Clone() *Checkpoint {
	if cp == nil {
		return nil
	}
	clone := *cp
	clone.CompletedNodes = append([]string(nil), cp.CompletedNodes...)
	clone.NodeOutputs = make(map[string]map[string]any, len(cp.NodeOutputs))
	for id, output := range cp.NodeOutputs {
		copied := make(map[string]any, len(output))
		for k, v := range output {
			copied[k] = v
		}
		clone.NodeOutputs[id] = copied
	}
	clone.Channels = make(map[string]any, len(cp.Channels))
	for name, v := range cp.Channels {
		clone.Channels[name] = v
	}
	clone.NodeStates = make(map[string]NodeStateMeta, len(cp.NodeStates))
	for id, meta := range cp.NodeStates {
		clone.NodeStates[id] = meta
	}
	return &clone
}

// CheckpointStore defines the interface for checkpoint persistence engines.
// Saves are issued fire-and-forget after each layer; a failing store is
// logged and never fails the run.
type CheckpointStore interface {
	// Save persists a checkpoint.
	Save(ctx context.Context, checkpoint *Checkpoint) error
	// LoadLatest returns the most recent checkpoint for an execution, or
	// (nil, nil) when none exists.
	LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error)
	// DeleteExecution removes all checkpoints for an execution.
	DeleteExecution(ctx context.Context, executionID string) error
	// Close releases resources held by the store.
	Close() error
}

// CaptureCheckpoint snapshots the context's completed nodes, their persisted
// outputs, and the remaining persistent channels into a new checkpoint.
func CaptureCheckpoint(c *ExecutionContext) *Checkpoint {
	completed := c.CompletedNodes()
	now := time.Now().UTC()
	cp := &Checkpoint{
		ID:             uuid.NewString(),
		ExecutionID:    c.ExecutionID,
		GraphID:        c.Graph.ID(),
		CreatedAt:      now,
		LayerIndex:     c.CurrentLayer(),
		CompletedNodes: completed,
		NodeOutputs:    make(map[string]map[string]any, len(completed)),
		Channels:       make(map[string]any),
		NodeStates:     make(map[string]NodeStateMeta, len(completed)),
	}
	for name, v := range c.PersistentChannelValues() {
		// Node outputs are carried separately, under version metadata.
		if strings.HasPrefix(name, ChannelNodeOutputPrefix) {
			continue
		}
		cp.Channels[name] = v
	}
	for _, nodeID := range completed {
		node, ok := c.Graph.GetNode(nodeID)
		if !ok {
			continue
		}
		meta := NodeStateMeta{
			NodeID:     nodeID,
			Version:    node.Version,
			CapturedAt: now,
		}
		if output, ok := c.NodeOutput(nodeID); ok {
			cp.NodeOutputs[nodeID] = output
			if snapshot, err := json.Marshal(output); err == nil {
				meta.Snapshot = snapshot
			} else {
				log.Warnf("graph: checkpoint snapshot for node %s is not serializable: %v", nodeID, err)
			}
		}
		cp.NodeStates[nodeID] = meta
	}
	return cp
}

// RestoreCheckpoint reconciles a checkpoint against the current graph and
// applies it to the context. A checkpointed node is marked complete and its
// output restored only if its captured version matches the current node
// version; mismatched or vanished nodes are discarded with a warning and
// will re-execute. Checkpointed channel values are restored unless the
// context already carries a value for the channel.
// Returns the ids of the restored nodes.
func RestoreCheckpoint(c *ExecutionContext, cp *Checkpoint) []string {
	for name, v := range cp.Channels {
		// Values already placed on the context, like a caller-supplied
		// resume value, win over checkpointed ones.
		if _, ok := c.Channel(name); ok {
			continue
		}
		c.SetChannel(name, v)
	}
	var restored []string
	for _, nodeID := range cp.CompletedNodes {
		node, ok := c.Graph.GetNode(nodeID)
		if !ok {
			log.Warnf("graph: checkpoint %s references unknown node %s, discarding", cp.ID, nodeID)
			continue
		}
		meta, ok := cp.NodeStates[nodeID]
		if !ok {
			log.Warnf("graph: checkpoint %s has no state metadata for node %s, discarding", cp.ID, nodeID)
			continue
		}
		if meta.Version != node.Version {
			log.Warnf("graph: node %s version changed (checkpoint %d, graph %d), discarding checkpointed output",
				nodeID, meta.Version, node.Version)
			continue
		}
		c.MarkComplete(nodeID)
		if output, ok := cp.NodeOutputs[nodeID]; ok {
			c.SetNodeOutput(nodeID, output)
		}
		restored = append(restored, nodeID)
	}
	return restored
}
