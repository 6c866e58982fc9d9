//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	g := MustNew("g", "G", "1", []*Node{handlerNode("a"), handlerNode("b")}, nil)
	return NewExecutionContext("exec-1", g)
}

func TestContextGeneratesExecutionID(t *testing.T) {
	g := MustNew("g", "G", "1", []*Node{handlerNode("a")}, nil)
	c := NewExecutionContext("", g)
	assert.NotEmpty(t, c.ExecutionID)
}

func TestContextChannels(t *testing.T) {
	c := newTestContext(t)

	c.SetChannel("config", "v1")
	c.SetEphemeralChannel("scratch", 42)

	v, ok := c.Channel("config")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	v, ok = c.Channel("scratch")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.ClearEphemeralChannels()
	_, ok = c.Channel("scratch")
	assert.False(t, ok)
	_, ok = c.Channel("config")
	assert.True(t, ok)

	c.DeleteChannel("config")
	_, ok = c.Channel("config")
	assert.False(t, ok)
}

func TestContextNodeOutput(t *testing.T) {
	c := newTestContext(t)

	_, ok := c.NodeOutput("a")
	assert.False(t, ok)

	c.SetNodeOutput("a", map[string]any{"rows": 3})
	out, ok := c.NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, 3, out["rows"])
}

func TestContextCompletionAndCounts(t *testing.T) {
	c := newTestContext(t)

	assert.False(t, c.IsComplete("a"))
	c.MarkComplete("a")
	assert.True(t, c.IsComplete("a"))
	assert.ElementsMatch(t, []string{"a"}, c.CompletedNodes())

	assert.Equal(t, 0, c.ExecutionCount("a"))
	assert.Equal(t, 1, c.IncrementExecutionCount("a"))
	assert.Equal(t, 2, c.IncrementExecutionCount("a"))
	assert.Equal(t, 2, c.ExecutionCount("a"))
}

func TestIsolatedCopyDoesNotLeakIntoParent(t *testing.T) {
	c := newTestContext(t)
	c.SetChannel("shared", "base")

	iso := c.CreateIsolatedCopy()
	iso.SetChannel("shared", "branch")
	iso.SetChannel("own", true)
	iso.MarkComplete("a")
	iso.IncrementExecutionCount("a")

	// The parent must not observe any of the branch writes before merge.
	v, _ := c.Channel("shared")
	assert.Equal(t, "base", v)
	_, ok := c.Channel("own")
	assert.False(t, ok)
	assert.False(t, c.IsComplete("a"))
	assert.Equal(t, 0, c.ExecutionCount("a"))
}

func TestMergeFromFoldsBranchState(t *testing.T) {
	c := newTestContext(t)
	c.SetChannel("shared", "base")
	c.IncrementExecutionCount("b")
	c.IncrementExecutionCount("b")

	iso := c.CreateIsolatedCopy()
	iso.SetChannel("shared", "branch")
	iso.MarkComplete("a")
	iso.IncrementExecutionCount("a")

	c.MergeFrom(iso)

	v, _ := c.Channel("shared")
	assert.Equal(t, "branch", v, "last writer wins on collision")
	assert.True(t, c.IsComplete("a"))
	assert.Equal(t, 1, c.ExecutionCount("a"))
	assert.Equal(t, 2, c.ExecutionCount("b"), "merge takes the max count, never lowers it")
}

func TestMergeFromCarriesSuspension(t *testing.T) {
	c := newTestContext(t)
	iso := c.CreateIsolatedCopy()
	iso.setSuspension(&Suspension{NodeID: "a", Token: "tok"})

	c.MergeFrom(iso)

	s, ok := c.Suspension()
	require.True(t, ok)
	assert.Equal(t, "a", s.NodeID)
}

func TestOutputChannelValues(t *testing.T) {
	c := newTestContext(t)
	c.SetChannel(ChannelOutputPrefix+"result", 7)
	c.SetChannel(ChannelOutputPrefix+"summary", "ok")
	c.SetChannel("internal", "hidden")

	out := c.OutputChannelValues()
	assert.Equal(t, map[string]any{"result": 7, "summary": "ok"}, out)
}

func TestPersistentChannelValuesExcludesEphemeral(t *testing.T) {
	c := newTestContext(t)
	c.SetChannel("keep", 1)
	c.SetEphemeralChannel("drop", 2)

	snap := c.PersistentChannelValues()
	assert.Contains(t, snap, "keep")
	assert.NotContains(t, snap, "drop")
}
