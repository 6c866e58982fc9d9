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
	"time"

	"github.com/flowgraph/flowgraph/log"
)

// executeNode runs one node to a terminal outcome: idempotency and loop
// guards, admission control, then dispatch by kind.
func (e *Executor) executeNode(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node) error {
	if execCtx.IsComplete(node.ID) {
		return nil
	}
	if node.MaxExecutions > 0 && execCtx.ExecutionCount(node.ID) >= node.MaxExecutions {
		log.Warnf("graph: node %s reached max executions (%d), skipping", node.ID, node.MaxExecutions)
		return nil
	}
	if node.MaxParallelExecutions > 0 {
		sem := e.admission(node)
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
	}

	switch node.Kind {
	case NodeKindHandler, NodeKindRouter:
		return e.executeHandlerNode(ctx, execCtx, st, node)
	case NodeKindSubGraph:
		return e.executeSubGraph(ctx, execCtx, st, node)
	case NodeKindMap:
		return e.executeMap(ctx, execCtx, st, node)
	default:
		return fmt.Errorf("node %s: unknown node kind %q", node.ID, node.Kind)
	}
}

// executeHandlerNode resolves the handler, prepares inputs, consults the
// cache, and invokes. A missing handler is a fatal configuration error.
func (e *Executor) executeHandlerNode(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node) error {
	if e.handlers == nil {
		return fmt.Errorf("node %s: no handler resolver configured: %w", node.ID, ErrHandlerNotFound)
	}
	handler, err := e.handlers.ResolveHandler(node.HandlerName)
	if err != nil {
		return fmt.Errorf("node %s: %w", node.ID, err)
	}

	inputs := prepareInputs(execCtx, node)

	var fingerprint string
	if e.cache != nil && e.fingerprinter != nil {
		fingerprint = e.computeFingerprint(execCtx, st, node, inputs)
		if cached := e.cacheGet(ctx, node, fingerprint); cached != nil {
			execCtx.SetNodeOutput(node.ID, cached.Outputs)
			execCtx.MarkComplete(node.ID)
			st.succeeded.Add(1)
			emit(execCtx, &Event{
				Type:        EventNodeCompleted,
				Layer:       execCtx.CurrentLayer(),
				NodeID:      node.ID,
				HandlerName: node.HandlerName,
				Outcome:     OutcomeCached,
				Duration:    cached.Duration,
				Progress:    e.progress(execCtx),
			})
			return nil
		}
	}

	return e.invokeHandler(ctx, execCtx, st, node, handler, inputs, fingerprint)
}

// prepareInputs builds a node's input map from its incoming edges: for each
// complete source, the first matching non-default edge contributes the
// source's output; the default edge contributes only when nothing else
// matched. Only one edge per source contributes, so duplicate keys cannot
// clash.
func prepareInputs(execCtx *ExecutionContext, node *Node) map[string]any {
	inputs := make(map[string]any)
	edges := execCtx.Graph.GetIncomingEdges(node.ID)

	var sources []string
	bySource := make(map[string][]*Edge)
	for _, edge := range edges {
		if _, seen := bySource[edge.From]; !seen {
			sources = append(sources, edge.From)
		}
		bySource[edge.From] = append(bySource[edge.From], edge)
	}

	for _, source := range sources {
		if !execCtx.IsComplete(source) {
			continue
		}
		output, ok := execCtx.NodeOutput(source)
		if !ok {
			continue
		}
		carried := false
		hasDefault := false
		for _, edge := range bySource[source] {
			if edge.Default {
				hasDefault = true
				continue
			}
			if edge.Condition == nil || edge.Condition(output) {
				mergeInputs(inputs, output)
				carried = true
				break
			}
		}
		// A default edge carries only when none of the source's conditional
		// edges matched, wherever they lead.
		if !carried && hasDefault && !anyConditionMatched(execCtx, source, output) {
			mergeInputs(inputs, output)
		}
	}
	return inputs
}

func anyConditionMatched(execCtx *ExecutionContext, source string, output map[string]any) bool {
	for _, edge := range execCtx.Graph.GetOutgoingEdges(source) {
		if edge.Default {
			continue
		}
		if edge.Condition == nil || edge.Condition(output) {
			return true
		}
	}
	return false
}

func mergeInputs(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// computeFingerprint derives and records the node's fingerprint for this
// run. Upstream fingerprints are those already computed for the node's
// direct predecessors, giving the hierarchical hash its reach.
func (e *Executor) computeFingerprint(execCtx *ExecutionContext, st *runState, node *Node, inputs map[string]any) string {
	var upstream []string
	for _, edge := range execCtx.Graph.GetIncomingEdges(node.ID) {
		if fp, ok := st.fingerprints.Load(edge.From); ok {
			upstream = append(upstream, fp.(string))
		}
	}
	fingerprint := e.fingerprinter.Compute(node.ID, inputs, upstream, execCtx.Graph.GlobalHash())
	st.fingerprints.Store(node.ID, fingerprint)
	return fingerprint
}

// cacheGet reads the cache; store failures degrade to a miss.
func (e *Executor) cacheGet(ctx context.Context, node *Node, fingerprint string) *CachedResult {
	cached, err := e.cache.Get(ctx, fingerprint)
	if err != nil {
		log.Warnf("graph: cache read for node %s failed: %v", node.ID, err)
		return nil
	}
	return cached
}

// cacheSet writes the cache asynchronously, best-effort.
func (e *Executor) cacheSet(node *Node, fingerprint string, result *CachedResult) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("graph: cache store panicked writing node %s: %v", node.ID, r)
			}
		}()
		if err := e.cache.Set(context.Background(), fingerprint, result); err != nil {
			log.Warnf("graph: cache write for node %s failed: %v", node.ID, err)
		}
	}()
}

// invokeHandler performs one handler invocation and interprets the result
// union. Retries recurse into this same procedure, so they count against the
// node's execution count but are otherwise invisible to callers.
func (e *Executor) invokeHandler(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node,
	handler Handler, inputs map[string]any, fingerprint string) error {
	attempt := execCtx.IncrementExecutionCount(node.ID)

	emit(execCtx, &Event{
		Type:        EventNodeStarted,
		Layer:       execCtx.CurrentLayer(),
		NodeID:      node.ID,
		HandlerName: node.HandlerName,
		Attempt:     attempt,
	})

	invocationCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		invocationCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := safeExecute(handler, invocationCtx, execCtx, inputs)
	elapsed := time.Since(start)

	switch result.Status {
	case StatusSuccess:
		return e.handleSuccess(execCtx, st, node, result, elapsed, fingerprint)
	case StatusSkipped:
		// The handler declined to run; the node is not marked complete.
		log.Infof("graph: node %s skipped itself (%s): %s", node.ID, result.Reason, result.Message)
		st.skipped.Add(1)
		emit(execCtx, &Event{
			Type:        EventNodeCompleted,
			Layer:       execCtx.CurrentLayer(),
			NodeID:      node.ID,
			HandlerName: node.HandlerName,
			Attempt:     execCtx.ExecutionCount(node.ID),
			Outcome:     OutcomeSkipped,
			Duration:    elapsed,
			Progress:    e.progress(execCtx),
		})
		return nil
	case StatusSuspended:
		suspension := &Suspension{
			NodeID:      node.ID,
			Token:       result.SuspendToken,
			Message:     result.Message,
			ResumeValue: result.ResumeValue,
			Time:        time.Now().UTC(),
		}
		execCtx.setSuspension(suspension)
		if result.ResumeValue != nil {
			execCtx.SetChannel(ChannelResumeValue, result.ResumeValue)
		}
		emit(execCtx, &Event{
			Type:        EventNodeCompleted,
			Layer:       execCtx.CurrentLayer(),
			NodeID:      node.ID,
			HandlerName: node.HandlerName,
			Attempt:     attempt,
			Outcome:     OutcomeSuspended,
			Duration:    elapsed,
		})
		return suspension
	case StatusCancelled:
		st.cancelled.Add(1)
		emit(execCtx, &Event{
			Type:        EventNodeCompleted,
			Layer:       execCtx.CurrentLayer(),
			NodeID:      node.ID,
			HandlerName: node.HandlerName,
			Attempt:     attempt,
			Outcome:     OutcomeCancelled,
			Duration:    elapsed,
		})
		return fmt.Errorf("node %s cancelled (%s): %s: %w", node.ID, result.Reason, result.Message, context.Canceled)
	case StatusFailure:
		failure := result.Err
		if failure == nil {
			failure = errors.New("handler reported failure without an error")
		}
		if e.shouldRetry(execCtx, node, result, failure) {
			if err := e.waitRetryDelay(ctx, node, attempt); err != nil {
				return err
			}
			log.Infof("graph: retrying node %s (attempt %d of %d)", node.ID, attempt+1, node.Retry.MaxAttempts)
			return e.invokeHandler(ctx, execCtx, st, node, handler, inputs, fingerprint)
		}
		return e.applyErrorPolicy(ctx, execCtx, st, node, failure, result.Severity, elapsed)
	default:
		return fmt.Errorf("node %s: handler returned unknown result status %q", node.ID, result.Status)
	}
}

// safeExecute invokes the handler, converting panics and nil results into
// values of the result union.
func safeExecute(handler Handler, ctx context.Context, execCtx *ExecutionContext, inputs map[string]any) (result *NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(fmt.Errorf("handler panicked: %v", r), SeverityCritical, false)
		}
	}()
	result = handler.Execute(ctx, execCtx, inputs)
	if result == nil {
		result = Success(nil)
	}
	return result
}

func (e *Executor) handleSuccess(execCtx *ExecutionContext, st *runState, node *Node,
	result *NodeResult, elapsed time.Duration, fingerprint string) error {
	outputs := result.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	execCtx.SetNodeOutput(node.ID, outputs)
	execCtx.MarkComplete(node.ID)
	st.succeeded.Add(1)

	if fingerprint != "" && e.cache != nil {
		e.cacheSet(node, fingerprint, &CachedResult{
			Outputs:  outputs,
			Duration: elapsed,
			Metadata: result.Metadata,
		})
	}

	emit(execCtx, &Event{
		Type:        EventNodeCompleted,
		Layer:       execCtx.CurrentLayer(),
		NodeID:      node.ID,
		HandlerName: node.HandlerName,
		Attempt:     execCtx.ExecutionCount(node.ID),
		Outcome:     OutcomeSuccess,
		Duration:    elapsed,
		Progress:    e.progress(execCtx),
	})
	return nil
}

// shouldRetry applies the node's retry policy to a failure.
func (e *Executor) shouldRetry(execCtx *ExecutionContext, node *Node, result *NodeResult, failure error) bool {
	policy := node.Retry
	if policy == nil || policy.MaxAttempts <= 0 {
		return false
	}
	transient := result.Transient
	if !transient && policy.IsTransient != nil {
		transient = policy.IsTransient(failure)
	}
	if !transient {
		return false
	}
	count := execCtx.ExecutionCount(node.ID)
	if count >= policy.MaxAttempts {
		return false
	}
	// Retries still count against the loop guard.
	if node.MaxExecutions > 0 && count >= node.MaxExecutions {
		return false
	}
	return true
}

func (e *Executor) waitRetryDelay(ctx context.Context, node *Node, attempt int) error {
	if node.Retry.Delay == nil {
		return ctx.Err()
	}
	delay := node.Retry.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyErrorPolicy escalates a terminal node failure per its policy mode.
func (e *Executor) applyErrorPolicy(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node,
	failure error, severity Severity, elapsed time.Duration) error {
	policy := node.ErrorPolicy

	if policy != nil && policy.Absorb != nil && policy.Absorb(failure) {
		log.Debugf("graph: node %s failure absorbed by policy: %v", node.ID, failure)
		execCtx.MarkComplete(node.ID)
		st.skipped.Add(1)
		emit(execCtx, &Event{
			Type:        EventNodeCompleted,
			Layer:       execCtx.CurrentLayer(),
			NodeID:      node.ID,
			HandlerName: node.HandlerName,
			Attempt:     execCtx.ExecutionCount(node.ID),
			Outcome:     OutcomeSkipped,
			Duration:    elapsed,
			Progress:    e.progress(execCtx),
		})
		return nil
	}

	st.failures.Add(1)
	emit(execCtx, &Event{
		Type:        EventNodeCompleted,
		Layer:       execCtx.CurrentLayer(),
		NodeID:      node.ID,
		HandlerName: node.HandlerName,
		Attempt:     execCtx.ExecutionCount(node.ID),
		Outcome:     OutcomeFailure,
		Duration:    elapsed,
		Error:       failure.Error(),
	})

	mode := ErrorPolicyStopGraph
	if policy != nil && policy.Mode != "" {
		mode = policy.Mode
	}
	switch mode {
	case ErrorPolicyStopGraph:
		return &NodeError{NodeID: node.ID, Severity: severity, Err: failure}
	case ErrorPolicySkipDependents:
		st.failed.Store(node.ID, &nodeFailure{err: failure, policy: policy})
		return nil
	case ErrorPolicyIsolate:
		// Complete with no output so downstream proceeds as if the node had
		// produced nothing.
		log.Warnf("graph: node %s failed under isolate policy: %v", node.ID, failure)
		execCtx.MarkComplete(node.ID)
		return nil
	case ErrorPolicyExecuteFallback:
		return e.runErrorTarget(ctx, execCtx, st, node, policy.FallbackNodeID, failure, severity)
	case ErrorPolicyDelegateToHandler:
		return e.runErrorTarget(ctx, execCtx, st, node, policy.HandlerNodeID, failure, severity)
	default:
		return fmt.Errorf("node %s: unknown error policy mode %q (cause: %w)", node.ID, mode, failure)
	}
}

// runErrorTarget writes the failure's context onto an ephemeral channel and
// runs the designated fallback or error-handler node. The target's own
// result (success, failure, suspension) governs what happens next.
func (e *Executor) runErrorTarget(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node,
	targetID string, failure error, severity Severity) error {
	target, ok := execCtx.Graph.GetNode(targetID)
	if !ok {
		return fmt.Errorf("node %s: error policy target %s: %w", node.ID, targetID, ErrNodeNotFound)
	}
	if severity == "" {
		severity = SeverityError
	}
	execCtx.SetEphemeralChannel(NodeErrorKey(node.ID), map[string]any{
		ErrorContextKeyError:    failure.Error(),
		ErrorContextKeySeverity: string(severity),
		ErrorContextKeyNodeID:   node.ID,
	})
	return e.executeNode(ctx, execCtx, st, target)
}
