//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doublerProcessor builds a one-node processor graph whose handler doubles
// the item, failing for any index listed in failAt.
func doublerProcessor(reg *Registry, failAt ...int) *Graph {
	failing := make(map[int]bool, len(failAt))
	for _, i := range failAt {
		failing[i] = true
	}
	reg.RegisterHandlerFunc("double", func(_ context.Context, execCtx *ExecutionContext, _ map[string]any) *NodeResult {
		idx, _ := execCtx.Channel(ChannelMapIndex)
		if failing[idx.(int)] {
			return Failure(fmt.Errorf("item %d rejected", idx), SeverityError, false)
		}
		item, _ := execCtx.Channel(ChannelMapItem)
		execCtx.SetChannel(ChannelOutputPrefix+"value", item.(int)*2)
		return Success(nil)
	})
	return NewBuilder("double", "Double", "1").AddHandler("work", "double").MustBuild()
}

func mapGraph(reg *Registry, cfg *MapConfig) *Graph {
	reg.RegisterHandlerFunc("seed", func(_ context.Context, _ *ExecutionContext, _ map[string]any) *NodeResult {
		return Success(map[string]any{"items": []any{1, 2, 3, 4, 5}})
	})
	return NewBuilder("m", "M", "1").
		AddHandler("seed", "seed").
		AddMap("fan", cfg).
		AddEdge("seed", "fan").
		MustBuild()
}

func runMap(t *testing.T, reg *Registry, g *Graph, opts ...ExecutorOption) (*ExecutionContext, error) {
	t.Helper()
	execCtx := NewExecutionContext("exec-1", g)
	exec := NewExecutor(append([]ExecutorOption{WithHandlerResolver(reg)}, opts...)...)
	return execCtx, exec.Execute(context.Background(), execCtx)
}

func TestMapHomogeneousPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	g := mapGraph(reg, &MapConfig{Processor: doublerProcessor(reg), MaxParallelItems: 4})

	execCtx, err := runMap(t, reg, g)
	require.NoError(t, err)

	out, ok := execCtx.NodeOutput("fan")
	require.True(t, ok)
	assert.Equal(t, []any{2, 4, 6, 8, 10}, out["items"], "results keep input order regardless of completion order")
}

func TestMapFailFast(t *testing.T) {
	reg := NewRegistry()
	g := mapGraph(reg, &MapConfig{
		Processor: doublerProcessor(reg, 1, 3),
		ErrorMode: MapFailFast,
	})

	execCtx, err := runMap(t, reg, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.False(t, execCtx.IsComplete("fan"))
}

func TestMapFailFastSurfacesCausalFailure(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.RegisterHandlerFunc("race", func(ctx context.Context, execCtx *ExecutionContext, _ map[string]any) *NodeResult {
		idx, _ := execCtx.Channel(ChannelMapIndex)
		if idx.(int) == 0 {
			// Block until the fail-fast cancel reaches us, so the real
			// failure always lands at a higher index than our cancellation.
			close(started)
			<-ctx.Done()
			return Failure(ctx.Err(), SeverityError, false)
		}
		<-started
		return Failure(errors.New("disk full"), SeverityError, false)
	})
	processor := NewBuilder("race", "Race", "1").AddHandler("work", "race").MustBuild()
	g := NewBuilder("m", "M", "1").
		AddMap("fan", &MapConfig{
			Processor:        processor,
			InputChannel:     "workload",
			ErrorMode:        MapFailFast,
			MaxParallelItems: 2,
		}).
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	execCtx.SetChannel("workload", []any{"slow", "doomed"})
	exec := NewExecutor(WithHandlerResolver(reg))
	err := exec.Execute(context.Background(), execCtx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1 failed")
	assert.Contains(t, err.Error(), "disk full")
	assert.NotContains(t, err.Error(), "context canceled",
		"collateral cancellations must not mask the causal failure")
}

func TestMapContinueModesPropagateSuspension(t *testing.T) {
	for _, mode := range []MapErrorMode{MapContinueWithNulls, MapContinueOmitFailures} {
		t.Run(string(mode), func(t *testing.T) {
			reg := NewRegistry()
			reg.RegisterHandlerFunc("review", func(_ context.Context, execCtx *ExecutionContext, _ map[string]any) *NodeResult {
				idx, _ := execCtx.Channel(ChannelMapIndex)
				if idx.(int) == 1 {
					return Suspend("tok-review", "needs a human", nil)
				}
				item, _ := execCtx.Channel(ChannelMapItem)
				execCtx.SetChannel(ChannelOutputPrefix+"value", item)
				return Success(nil)
			})
			processor := NewBuilder("review", "Review", "1").AddHandler("work", "review").MustBuild()
			g := NewBuilder("m", "M", "1").
				AddMap("fan", &MapConfig{Processor: processor, InputChannel: "workload", ErrorMode: mode}).
				MustBuild()

			store := newMemCheckpointStore()
			execCtx := NewExecutionContext("exec-1", g)
			execCtx.SetChannel("workload", []any{"a", "b", "c"})
			exec := NewExecutor(WithHandlerResolver(reg), WithCheckpointStore(store))
			err := exec.Execute(context.Background(), execCtx)

			require.Error(t, err)
			suspension, ok := AsSuspension(err)
			require.True(t, ok, "a suspended item must abort the run, not degrade to a null")
			assert.Equal(t, "fan/work", suspension.NodeID)
			assert.Equal(t, "tok-review", suspension.Token)
			assert.False(t, execCtx.IsComplete("fan"))
			assert.Greater(t, store.count("exec-1"), 0, "suspension exits through a synchronous checkpoint")
		})
	}
}

func TestMapContinueWithNulls(t *testing.T) {
	reg := NewRegistry()
	g := mapGraph(reg, &MapConfig{
		Processor: doublerProcessor(reg, 1, 3),
		ErrorMode: MapContinueWithNulls,
	})

	execCtx, err := runMap(t, reg, g)
	require.NoError(t, err)

	out, _ := execCtx.NodeOutput("fan")
	assert.Equal(t, []any{2, nil, 6, nil, 10}, out["items"], "failed items become nulls in place")
}

func TestMapContinueOmitFailures(t *testing.T) {
	reg := NewRegistry()
	g := mapGraph(reg, &MapConfig{
		Processor: doublerProcessor(reg, 1, 3),
		ErrorMode: MapContinueOmitFailures,
	})

	execCtx, err := runMap(t, reg, g)
	require.NoError(t, err)

	out, _ := execCtx.NodeOutput("fan")
	assert.Equal(t, []any{2, 6, 10}, out["items"], "failed items are dropped, successes keep relative order")
}

func TestMapInputChannel(t *testing.T) {
	reg := NewRegistry()
	processor := doublerProcessor(reg)
	g := NewBuilder("m", "M", "1").
		AddMap("fan", &MapConfig{Processor: processor, InputChannel: "workload"}).
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	execCtx.SetChannel("workload", []any{10, 20})
	exec := NewExecutor(WithHandlerResolver(reg))
	require.NoError(t, exec.Execute(context.Background(), execCtx))

	out, _ := execCtx.NodeOutput("fan")
	assert.Equal(t, []any{20, 40}, out["items"])
}

func TestMapMissingInputChannel(t *testing.T) {
	reg := NewRegistry()
	g := NewBuilder("m", "M", "1").
		AddMap("fan", &MapConfig{Processor: doublerProcessor(reg), InputChannel: "absent"}).
		MustBuild()

	_, err := runMap(t, reg, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent")
}

func TestMapNonCollectionInput(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandlerFunc("seed", func(_ context.Context, _ *ExecutionContext, _ map[string]any) *NodeResult {
		return Success(map[string]any{"items": "not a slice"})
	})
	g := NewBuilder("m", "M", "1").
		AddHandler("seed", "seed").
		AddMap("fan", &MapConfig{Processor: doublerProcessor(reg)}).
		AddEdge("seed", "fan").
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	exec := NewExecutor(WithHandlerResolver(reg))
	err := exec.Execute(context.Background(), execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a collection")
}

func TestMapTypedSliceInput(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandlerFunc("seed", func(_ context.Context, _ *ExecutionContext, _ map[string]any) *NodeResult {
		return Success(map[string]any{"items": []int{7, 8}})
	})
	processor := doublerProcessor(reg)
	g := NewBuilder("m", "M", "1").
		AddHandler("seed", "seed").
		AddMap("fan", &MapConfig{Processor: processor}).
		AddEdge("seed", "fan").
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	exec := NewExecutor(WithHandlerResolver(reg))
	require.NoError(t, exec.Execute(context.Background(), execCtx))

	out, _ := execCtx.NodeOutput("fan")
	assert.Equal(t, []any{14, 16}, out["items"])
}

func TestMapHeterogeneousRouting(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandlerFunc("negate", func(_ context.Context, execCtx *ExecutionContext, _ map[string]any) *NodeResult {
		item, _ := execCtx.Channel(ChannelMapItem)
		execCtx.SetChannel(ChannelOutputPrefix+"value", -item.(int))
		return Success(nil)
	})
	reg.RegisterHandlerFunc("keep", func(_ context.Context, execCtx *ExecutionContext, _ map[string]any) *NodeResult {
		item, _ := execCtx.Channel(ChannelMapItem)
		execCtx.SetChannel(ChannelOutputPrefix+"value", item)
		return Success(nil)
	})
	reg.RegisterRouter("sign", RouterFunc(func(item any) string {
		if item.(int) < 0 {
			return "negative"
		}
		return "positive"
	}))

	negator := NewBuilder("neg", "Neg", "1").AddHandler("work", "negate").MustBuild()
	keeper := NewBuilder("keep", "Keep", "1").AddHandler("work", "keep").MustBuild()

	reg.RegisterHandlerFunc("seed", func(_ context.Context, _ *ExecutionContext, _ map[string]any) *NodeResult {
		return Success(map[string]any{"items": []any{-2, 3, -4}})
	})
	g := NewBuilder("m", "M", "1").
		AddHandler("seed", "seed").
		AddMap("fan", &MapConfig{
			Processors: map[string]*Graph{"negative": negator},
			RouterName: "sign",
			// Unrouted keys fall through to the keeper.
			DefaultProcessor: keeper,
		}).
		AddEdge("seed", "fan").
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	exec := NewExecutor(WithHandlerResolver(reg), WithRouterResolver(reg))
	require.NoError(t, exec.Execute(context.Background(), execCtx))

	out, _ := execCtx.NodeOutput("fan")
	assert.Equal(t, []any{2, 3, 4}, out["items"])
}

func TestMapNoProcessorForItem(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRouter("kind", RouterFunc(func(any) string { return "unknown" }))
	reg.RegisterHandlerFunc("seed", func(_ context.Context, _ *ExecutionContext, _ map[string]any) *NodeResult {
		return Success(map[string]any{"items": []any{1}})
	})
	sub := NewBuilder("s", "S", "1").AddHandler("w", "seed").MustBuild()

	g := NewBuilder("m", "M", "1").
		AddHandler("seed", "seed").
		AddMap("fan", &MapConfig{
			Processors: map[string]*Graph{"known": sub},
			RouterName: "kind",
		}).
		AddEdge("seed", "fan").
		MustBuild()

	execCtx := NewExecutionContext("exec-1", g)
	exec := NewExecutor(WithHandlerResolver(reg), WithRouterResolver(reg))
	err := exec.Execute(context.Background(), execCtx)
	assert.ErrorIs(t, err, ErrNoProcessorForItem)
}

func TestMapItemErrorRespectsNodePolicy(t *testing.T) {
	reg := NewRegistry()
	g := mapGraph(reg, &MapConfig{Processor: doublerProcessor(reg, 0)})
	node, _ := g.GetNode("fan")
	node.ErrorPolicy = &ErrorPolicy{Absorb: func(error) bool { return true }}

	execCtx, err := runMap(t, reg, g)
	require.NoError(t, err, "an absorbing policy applies to map-level failures too")
	assert.True(t, execCtx.IsComplete("fan"))
}
