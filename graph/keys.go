//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

// Channel naming conventions.
const (
	// ChannelNodeOutputPrefix prefixes the persistent channel holding a
	// node's output map.
	ChannelNodeOutputPrefix = "node_output:"
	// ChannelInputPrefix prefixes the channels seeding a nested graph run.
	ChannelInputPrefix = "input:"
	// ChannelOutputPrefix prefixes the channels collected as a nested graph
	// run's result.
	ChannelOutputPrefix = "output:"
	// ChannelNodeErrorPrefix prefixes the ephemeral channel carrying a failed
	// node's error context for fallback and delegate handlers.
	ChannelNodeErrorPrefix = "node_error:"
	// ChannelNodeSkippedPrefix prefixes the channel recording why a node was
	// skipped instead of executed.
	ChannelNodeSkippedPrefix = "node_skipped:"
	// ChannelMapItem holds the current item inside a map item run.
	ChannelMapItem = "input:item"
	// ChannelMapIndex holds the current item index inside a map item run.
	ChannelMapIndex = "input:index"
	// ChannelResumeValue holds the externally delivered value consumed after
	// a suspended run resumes.
	ChannelResumeValue = "resume_value"
)

// Error-context map keys written under ChannelNodeErrorPrefix channels.
const (
	ErrorContextKeyError    = "error"
	ErrorContextKeySeverity = "severity"
	ErrorContextKeyNodeID   = "node_id"
)

// NodeOutputKey returns the channel name holding the given node's output.
func NodeOutputKey(nodeID string) string { return ChannelNodeOutputPrefix + nodeID }

// NodeErrorKey returns the ephemeral channel name carrying the given node's
// error context.
func NodeErrorKey(nodeID string) string { return ChannelNodeErrorPrefix + nodeID }

// NodeSkippedKey returns the channel name recording the given node's skip
// reason.
func NodeSkippedKey(nodeID string) string { return ChannelNodeSkippedPrefix + nodeID }
