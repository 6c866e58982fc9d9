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
	"time"
)

// executeSubGraph runs a nested graph in a fresh child context. The node's
// prepared inputs seed the child's input channels; the child's output
// channels become the node's output map. The child shares the parent's event
// sink, so nested lifecycle events stream alongside the parent's.
func (e *Executor) executeSubGraph(ctx context.Context, execCtx *ExecutionContext, st *runState, node *Node) error {
	if node.SubGraph == nil {
		return fmt.Errorf("node %s: subgraph node has no graph", node.ID)
	}

	execCtx.IncrementExecutionCount(node.ID)
	emit(execCtx, &Event{
		Type:   EventNodeStarted,
		Layer:  execCtx.CurrentLayer(),
		NodeID: node.ID,
	})

	child := execCtx.child(execCtx.ExecutionID+":"+node.ID, node.SubGraph)
	for key, value := range prepareInputs(execCtx, node) {
		child.SetChannel(ChannelInputPrefix+key, value)
	}

	start := time.Now()
	err := e.run(ctx, child, newRunState())
	elapsed := time.Since(start)
	if err != nil {
		// Suspensions inside the nested run surface as the composite node's
		// own suspension so the parent checkpoints and halts.
		if suspension, ok := AsSuspension(err); ok {
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
		return e.applyErrorPolicy(ctx, execCtx, st, node,
			fmt.Errorf("subgraph %s: %w", node.SubGraph.Name(), err), SeverityError, elapsed)
	}

	outputs := child.OutputChannelValues()
	execCtx.SetNodeOutput(node.ID, outputs)
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
