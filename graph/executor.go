//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowgraph/flowgraph/log"
)

// Executor runs graphs layer by layer. It holds the injected collaborators
// (handlers, routers, cache, checkpoint store) and is safe for concurrent
// use; all per-run state lives in the ExecutionContext and an internal run
// state. Composite nodes recurse into the same executor with a narrowed
// context.
type Executor struct {
	handlers          HandlerResolver
	routers           RouterResolver
	checkpoints       CheckpointStore
	cache             CacheStore
	fingerprinter     FingerprintCalculator
	checkpointTimeout time.Duration

	// admission semaphores keyed by *Node so a node's limit spans every
	// nested run that touches it.
	semaphores sync.Map
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// HandlerResolver resolves node handler names. Required to execute
	// handler or router nodes.
	HandlerResolver HandlerResolver
	// RouterResolver resolves map router names. Required for heterogeneous
	// map nodes.
	RouterResolver RouterResolver
	// CheckpointStore persists per-layer checkpoints. Optional.
	CheckpointStore CheckpointStore
	// CacheStore serves content-addressed results. Optional; effective only
	// together with FingerprintCalculator.
	CacheStore CacheStore
	// FingerprintCalculator derives cache keys. Optional.
	FingerprintCalculator FingerprintCalculator
	// CheckpointTimeout bounds each asynchronous checkpoint save
	// (default: 10s).
	CheckpointTimeout time.Duration
}

// WithHandlerResolver sets the handler resolver.
func WithHandlerResolver(r HandlerResolver) ExecutorOption {
	return func(o *ExecutorOptions) { o.HandlerResolver = r }
}

// WithRouterResolver sets the router resolver.
func WithRouterResolver(r RouterResolver) ExecutorOption {
	return func(o *ExecutorOptions) { o.RouterResolver = r }
}

// WithCheckpointStore sets the checkpoint store.
func WithCheckpointStore(s CheckpointStore) ExecutorOption {
	return func(o *ExecutorOptions) { o.CheckpointStore = s }
}

// WithCacheStore sets the cache store.
func WithCacheStore(s CacheStore) ExecutorOption {
	return func(o *ExecutorOptions) { o.CacheStore = s }
}

// WithFingerprintCalculator sets the fingerprint calculator.
func WithFingerprintCalculator(c FingerprintCalculator) ExecutorOption {
	return func(o *ExecutorOptions) { o.FingerprintCalculator = c }
}

// WithCheckpointTimeout bounds each asynchronous checkpoint save.
func WithCheckpointTimeout(d time.Duration) ExecutorOption {
	return func(o *ExecutorOptions) { o.CheckpointTimeout = d }
}

// NewExecutor creates a graph executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	var options ExecutorOptions
	options.CheckpointTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(&options)
	}
	return &Executor{
		handlers:          options.HandlerResolver,
		routers:           options.RouterResolver,
		checkpoints:       options.CheckpointStore,
		cache:             options.CacheStore,
		fingerprinter:     options.FingerprintCalculator,
		checkpointTimeout: options.CheckpointTimeout,
	}
}

// runState is the state shared by every concurrent task of one run. Only
// concurrent-safe structures live here: multiple nodes in the same layer may
// fail or be fingerprinted simultaneously.
type runState struct {
	// failed maps node id to its failure record for skip propagation.
	failed sync.Map // string -> *nodeFailure
	// fingerprints maps node id to the fingerprint computed this run.
	fingerprints sync.Map // string -> string

	succeeded atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64
	cancelled atomic.Int64
}

// nodeFailure records a node failure whose policy demands skipping
// dependents.
type nodeFailure struct {
	err    error
	policy *ErrorPolicy
}

// affects reports whether the failure's policy demands skipping the given
// dependent. An empty affected-node list means all dependents.
func (f *nodeFailure) affects(nodeID string) bool {
	if f.policy == nil || f.policy.Mode != ErrorPolicySkipDependents {
		return false
	}
	if len(f.policy.AffectedNodes) == 0 {
		return true
	}
	for _, id := range f.policy.AffectedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Execute runs the context's graph to completion. It returns nil when the
// run completed, a *Suspension when a handler halted the run pending
// external input (a checkpoint is captured first so the run can resume),
// the context's error on cancellation, and a fatal error otherwise.
func (e *Executor) Execute(ctx context.Context, execCtx *ExecutionContext) error {
	if execCtx == nil || execCtx.Graph == nil {
		return fmt.Errorf("execution context with a graph is required")
	}
	if err := execCtx.Graph.Validate(); err != nil {
		return err
	}
	return e.run(ctx, execCtx, newRunState())
}

// Resume loads the latest checkpoint for the context's execution id (when a
// checkpoint store is configured), reconciles node versions, restores
// persisted outputs, and delegates to Execute. Already-complete nodes are
// filtered out by the scheduler, so resumption is idempotent. A missing or
// unreadable checkpoint degrades to a fresh run.
func (e *Executor) Resume(ctx context.Context, execCtx *ExecutionContext) error {
	if execCtx == nil || execCtx.ExecutionID == "" {
		return ErrExecutionIDRequired
	}
	if e.checkpoints != nil {
		cp, err := e.checkpoints.LoadLatest(ctx, execCtx.ExecutionID)
		switch {
		case err != nil:
			log.Warnf("graph: loading checkpoint for execution %s failed, starting fresh: %v",
				execCtx.ExecutionID, err)
		case cp != nil:
			restored := RestoreCheckpoint(execCtx, cp)
			log.Infof("graph: execution %s restored %d of %d checkpointed nodes from checkpoint %s",
				execCtx.ExecutionID, len(restored), len(cp.CompletedNodes), cp.ID)
		}
	}
	return e.Execute(ctx, execCtx)
}

// ResumeWithValue delivers an externally supplied value to the suspended
// run's resume channel, then resumes.
func (e *Executor) ResumeWithValue(ctx context.Context, execCtx *ExecutionContext, value any) error {
	execCtx.SetChannel(ChannelResumeValue, value)
	return e.Resume(ctx, execCtx)
}

func newRunState() *runState { return &runState{} }

// run is the scheduling loop shared by top-level and nested executions.
func (e *Executor) run(ctx context.Context, execCtx *ExecutionContext, st *runState) error {
	layers, err := execCtx.Graph.ExecutionLayers()
	if err != nil {
		return err
	}

	emit(execCtx, &Event{Type: EventRunStarted, NodeCount: len(execCtx.Graph.Nodes())})
	start := time.Now()

	if err := e.runLayers(ctx, execCtx, st, layers); err != nil {
		outcome := OutcomeFailure
		if s, ok := AsSuspension(err); ok {
			// Capture a checkpoint synchronously so the caller can resume
			// after delivering external input.
			e.saveCheckpoint(execCtx, false)
			outcome = OutcomeSuspended
			err = s
		} else if ctx.Err() != nil {
			outcome = OutcomeCancelled
		}
		e.emitRunCompleted(execCtx, st, outcome, time.Since(start), err)
		return err
	}

	e.emitRunCompleted(execCtx, st, OutcomeSuccess, time.Since(start), nil)
	return nil
}

func (e *Executor) emitRunCompleted(execCtx *ExecutionContext, st *runState, outcome NodeOutcome, d time.Duration, err error) {
	evt := &Event{
		Type:      EventRunCompleted,
		Outcome:   outcome,
		Duration:  d,
		Succeeded: int(st.succeeded.Load()),
		Failed:    int(st.failures.Load()),
		Skipped:   int(st.skipped.Load()),
		Cancelled: int(st.cancelled.Load()),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	emit(execCtx, evt)
}

// runLayers drives the layer loop: filter, dispatch, merge, clear ephemeral
// channels, checkpoint. Each layer is a synchronization barrier.
func (e *Executor) runLayers(ctx context.Context, execCtx *ExecutionContext, st *runState, layers [][]string) error {
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		execCtx.setCurrentLayer(i)

		runnable, err := e.filterLayer(execCtx, st, layer)
		if err != nil {
			return err
		}

		emit(execCtx, &Event{Type: EventLayerStarted, Layer: i, NodeCount: len(runnable)})
		layerStart := time.Now()

		switch len(runnable) {
		case 0:
			// Everything already complete or skipped.
		case 1:
			err = e.executeNode(ctx, execCtx, st, runnable[0])
		default:
			err = e.executeLayerParallel(ctx, execCtx, st, runnable)
		}
		if err != nil {
			return err
		}

		execCtx.ClearEphemeralChannels()
		e.saveCheckpoint(execCtx, true)

		emit(execCtx, &Event{
			Type:      EventLayerCompleted,
			Layer:     i,
			NodeCount: len(runnable),
			Duration:  time.Since(layerStart),
		})
	}
	return nil
}

// filterLayer returns the layer's nodes that still need to run. Nodes whose
// upstream failed under a skip_dependents policy covering them are marked
// complete-but-skipped here, with the reason recorded on their channel, and
// the skip cascades to their own dependents.
func (e *Executor) filterLayer(execCtx *ExecutionContext, st *runState, layer []string) ([]*Node, error) {
	var runnable []*Node
	for _, nodeID := range layer {
		node, ok := execCtx.Graph.GetNode(nodeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		if execCtx.IsComplete(nodeID) {
			continue
		}
		if cause, upstream, skip := e.skipCause(execCtx, st, nodeID); skip {
			reason := fmt.Sprintf("upstream node %s failed: %v", upstream, cause.err)
			execCtx.MarkComplete(nodeID)
			execCtx.SetChannel(NodeSkippedKey(nodeID), reason)
			// Cascade so the skipped node's own dependents are skipped too.
			st.failed.LoadOrStore(nodeID, cause)
			st.skipped.Add(1)
			emit(execCtx, &Event{
				Type:     EventNodeCompleted,
				Layer:    execCtx.CurrentLayer(),
				NodeID:   nodeID,
				Outcome:  OutcomeSkipped,
				Progress: e.progress(execCtx),
			})
			continue
		}
		runnable = append(runnable, node)
	}
	return runnable, nil
}

// skipCause returns the upstream failure demanding this node be skipped.
func (e *Executor) skipCause(execCtx *ExecutionContext, st *runState, nodeID string) (*nodeFailure, string, bool) {
	for _, edge := range execCtx.Graph.GetIncomingEdges(nodeID) {
		rec, ok := st.failed.Load(edge.From)
		if !ok {
			continue
		}
		failure := rec.(*nodeFailure)
		if failure.affects(nodeID) {
			return failure, edge.From, true
		}
	}
	return nil, "", false
}

// executeLayerParallel dispatches each node against its own isolated context
// copy and merges every copy back into the shared context sequentially, in
// completion order, once its work finishes.
func (e *Executor) executeLayerParallel(ctx context.Context, execCtx *ExecutionContext, st *runState, nodes []*Node) error {
	type branch struct {
		iso *ExecutionContext
		err error
	}
	results := make(chan branch, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		iso := execCtx.CreateIsolatedCopy()
		wg.Add(1)
		go func(node *Node, iso *ExecutionContext) {
			defer wg.Done()
			results <- branch{iso: iso, err: e.executeNode(ctx, iso, st, node)}
		}(node, iso)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for b := range results {
		execCtx.MergeFrom(b.iso)
		if b.err != nil && firstErr == nil {
			firstErr = b.err
		}
	}
	return firstErr
}

// progress returns the fraction of graph nodes complete.
func (e *Executor) progress(execCtx *ExecutionContext) float64 {
	total := len(execCtx.Graph.Nodes())
	if total == 0 {
		return 0
	}
	return float64(len(execCtx.CompletedNodes())) / float64(total)
}

// admission returns the counting semaphore gating the node's concurrent
// invocations.
func (e *Executor) admission(node *Node) *semaphore.Weighted {
	if sem, ok := e.semaphores.Load(node); ok {
		return sem.(*semaphore.Weighted)
	}
	sem, _ := e.semaphores.LoadOrStore(node, semaphore.NewWeighted(int64(node.MaxParallelExecutions)))
	return sem.(*semaphore.Weighted)
}

// saveCheckpoint captures and persists a checkpoint. Persistence failures
// are logged, never propagated: the run proceeds as if no store were
// configured. When async, the save is fire-and-forget on a detached context
// so run cancellation cannot abort an in-flight save.
func (e *Executor) saveCheckpoint(execCtx *ExecutionContext, async bool) {
	if e.checkpoints == nil {
		return
	}
	cp := CaptureCheckpoint(execCtx)
	save := func() {
		cctx, cancel := context.WithTimeout(context.Background(), e.checkpointTimeout)
		defer cancel()
		if err := e.checkpoints.Save(cctx, cp); err != nil {
			log.Warnf("graph: saving checkpoint %s for execution %s failed: %v", cp.ID, cp.ExecutionID, err)
		}
	}
	if async {
		go save()
		return
	}
	save()
}
