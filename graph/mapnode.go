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
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"

	"github.com/flowgraph/flowgraph/log"
)

// executeMap fans a collection out over per-item processor runs and collects
// the results, in input order, under the node's "items" output key.
func (e *Executor) executeMap(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node) error {
	cfg := node.Map
	if cfg == nil {
		return fmt.Errorf("node %s: map node has no config", node.ID)
	}
	if err := cfg.validate(node.ID); err != nil {
		return err
	}

	items, err := e.resolveCollection(execCtx, node, cfg)
	if err != nil {
		return err
	}

	execCtx.IncrementExecutionCount(node.ID)
	emit(execCtx, &Event{
		Type:   EventNodeStarted,
		Layer:  execCtx.CurrentLayer(),
		NodeID: node.ID,
	})

	start := time.Now()
	results, runErr := e.runItems(ctx, execCtx, node, cfg, items)
	elapsed := time.Since(start)
	if runErr != nil {
		if suspension, ok := AsSuspension(runErr); ok {
			suspension.NodeID = node.ID + "/" + suspension.NodeID
			execCtx.setSuspension(suspension)
			emit(execCtx, &Event{
				Type:     EventNodeCompleted,
				Layer:    execCtx.CurrentLayer(),
				NodeID:   node.ID,
				Outcome:  OutcomeSuspended,
				Duration: elapsed,
			})
			return suspension
		}
		return e.applyErrorPolicy(ctx, execCtx, st, node, runErr, SeverityError, elapsed)
	}

	execCtx.SetNodeOutput(node.ID, map[string]any{"items": results})
	execCtx.MarkComplete(node.ID)
	st.succeeded.Add(1)
	emit(execCtx, &Event{
		Type:     EventNodeCompleted,
		Layer:    execCtx.CurrentLayer(),
		NodeID:   node.ID,
		Outcome:  OutcomeSuccess,
		Duration: elapsed,
		Progress: e.progress(execCtx),
	})
	return nil
}

// resolveCollection locates the input collection: the configured channel, or
// the single upstream node's output. A single-entry upstream output map is
// unwrapped to its value so handlers can return {"items": [...]} naturally.
func (e *Executor) resolveCollection(execCtx *ExecutionContext, node *Node, cfg *MapConfig) ([]any, error) {
	var raw any
	if cfg.InputChannel != "" {
		value, ok := execCtx.Channel(cfg.InputChannel)
		if !ok {
			return nil, fmt.Errorf("node %s: input channel %q not found", node.ID, cfg.InputChannel)
		}
		raw = value
	} else {
		inputs := prepareInputs(execCtx, node)
		switch len(inputs) {
		case 0:
			return nil, fmt.Errorf("node %s: no upstream output to map over", node.ID)
		case 1:
			for _, v := range inputs {
				raw = v
			}
		default:
			return nil, fmt.Errorf("node %s: ambiguous upstream output, set InputChannel", node.ID)
		}
	}
	return toSlice(raw, node.ID)
}

func toSlice(raw any, nodeID string) ([]any, error) {
	if items, ok := raw.([]any); ok {
		return items, nil
	}
	v := reflect.ValueOf(raw)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("node %s: map input is %T, not a collection", nodeID, raw)
	}
	items := make([]any, v.Len())
	for i := range items {
		items[i] = v.Index(i).Interface()
	}
	return items, nil
}

// runItems dispatches the items over a bounded worker pool. Each item runs a
// processor graph in its own child context; contexts merge back in index
// order once every item settles.
func (e *Executor) runItems(ctx context.Context, execCtx *ExecutionContext, node *Node,
	cfg *MapConfig, items []any) ([]any, error) {
	mode := cfg.ErrorMode
	if mode == "" {
		mode = MapFailFast
	}

	parallelism := cfg.MaxParallelItems
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	pool, err := ants.NewPool(parallelism)
	if err != nil {
		return nil, fmt.Errorf("node %s: create item pool: %w", node.ID, err)
	}
	defer pool.Release()

	itemCtx := ctx
	var cancel context.CancelFunc
	if mode == MapFailFast {
		itemCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	outputs := make([]any, len(items))
	errs := make([]error, len(items))
	children := make([]*ExecutionContext, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if itemCtx.Err() != nil {
				errs[i] = itemCtx.Err()
				return
			}
			child, result, err := e.runItem(itemCtx, execCtx, node, cfg, i, item)
			children[i] = child
			outputs[i] = result
			errs[i] = err
			if err != nil && cancel != nil {
				cancel()
			}
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = fmt.Errorf("node %s: submit item %d: %w", node.ID, i, submitErr)
			if cancel != nil {
				cancel()
			}
		}
	}
	wg.Wait()

	for _, child := range children {
		if child != nil {
			execCtx.MergeFrom(child)
		}
	}

	// A suspension is a first-class exit, not an item failure: it must reach
	// the caller whatever the error mode, or the run would complete without
	// a resumable checkpoint.
	for _, err := range errs {
		if suspension, ok := AsSuspension(err); ok {
			return nil, suspension
		}
	}

	switch mode {
	case MapFailFast:
		// Cancellations are usually collateral of the fail-fast cancel, so
		// the head cause is the first real failure in index order; only an
		// all-cancellation run surfaces a cancellation.
		primary := -1
		for i, err := range errs {
			if err != nil && !isCancellation(err) {
				primary = i
				break
			}
		}
		if primary < 0 {
			for i, err := range errs {
				if err != nil {
					return nil, fmt.Errorf("node %s: item %d failed: %w", node.ID, i, err)
				}
			}
			return outputs, nil
		}
		aggregate := errs[primary]
		for _, other := range errs[primary+1:] {
			if other != nil && !isCancellation(other) {
				aggregate = multierr.Append(aggregate, other)
			}
		}
		return nil, fmt.Errorf("node %s: item %d failed: %w", node.ID, primary, aggregate)
	case MapContinueWithNulls:
		for i, err := range errs {
			if err != nil {
				log.Warnf("graph: map node %s item %d failed, substituting null: %v", node.ID, i, err)
				outputs[i] = nil
			}
		}
		return outputs, nil
	case MapContinueOmitFailures:
		kept := make([]any, 0, len(items))
		for i, err := range errs {
			if err != nil {
				log.Warnf("graph: map node %s item %d failed, omitting: %v", node.ID, i, err)
				continue
			}
			kept = append(kept, outputs[i])
		}
		return kept, nil
	default:
		return nil, fmt.Errorf("node %s: unknown map error mode %q", node.ID, mode)
	}
}

// runItem executes the processor graph for one item in an isolated child
// context seeded with the item and its index.
func (e *Executor) runItem(ctx context.Context, execCtx *ExecutionContext, node *Node,
	cfg *MapConfig, index int, item any) (*ExecutionContext, any, error) {
	processor, err := e.processorFor(cfg, node.ID, item)
	if err != nil {
		return nil, nil, err
	}

	child := execCtx.child(fmt.Sprintf("%s:%s:%d", execCtx.ExecutionID, node.ID, index), processor)
	child.SetChannel(ChannelMapItem, item)
	child.SetChannel(ChannelMapIndex, index)

	if err := e.run(ctx, child, newRunState()); err != nil {
		return child, nil, err
	}
	return child, itemResult(child), nil
}

// processorFor selects the processor graph for an item: the homogeneous one,
// or the router's pick with DefaultProcessor as the catch-all.
func (e *Executor) processorFor(cfg *MapConfig, nodeID string, item any) (*Graph, error) {
	if cfg.Processor != nil {
		return cfg.Processor, nil
	}
	if e.routers == nil {
		return nil, fmt.Errorf("node %s: no router resolver configured: %w", nodeID, ErrRouterNotFound)
	}
	router, err := e.routers.ResolveRouter(cfg.RouterName)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, err)
	}
	key := router.Route(item)
	if processor, ok := cfg.Processors[key]; ok {
		return processor, nil
	}
	if cfg.DefaultProcessor != nil {
		return cfg.DefaultProcessor, nil
	}
	return nil, fmt.Errorf("node %s: routing key %q: %w", nodeID, key, ErrNoProcessorForItem)
}

// itemResult reduces an item run to a value: the sole output channel's value
// when there is exactly one, the full output map when there are several, nil
// when the processor produced none.
func itemResult(child *ExecutionContext) any {
	outputs := child.OutputChannelValues()
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		for _, v := range outputs {
			return v
		}
	}
	return outputs
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
