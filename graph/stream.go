//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flowgraph/flowgraph/log"
)

// StreamMode selects the granularity of streamed lifecycle events.
type StreamMode string

const (
	// StreamModeNode streams every lifecycle event, per-node ones included.
	StreamModeNode StreamMode = "node"
	// StreamModeLayer streams run and layer events only.
	StreamModeLayer StreamMode = "layer"
)

// defaultStreamBuffer is the event channel capacity when none is given.
const defaultStreamBuffer = 64

// Stream is a live view of one run's lifecycle events. Events() closes when
// the run finishes; Err() then reports the run's outcome.
type Stream struct {
	events chan *Event
	done   chan struct{}
	err    error

	dropped atomic.Int64
	closed  sync.Once
}

// Events returns the event channel. It is closed when the run completes.
func (s *Stream) Events() <-chan *Event { return s.events }

// Err returns the run's terminal error. It is valid only after Events() is
// exhausted; it blocks until the run finishes.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Dropped reports how many events were discarded because the consumer fell
// behind the buffer.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) offer(evt *Event) {
	select {
	case s.events <- evt:
	default:
		// Slow consumers lose events rather than stall the run.
		s.dropped.Add(1)
	}
}

func (s *Stream) finish(err error) {
	s.closed.Do(func() {
		s.err = err
		close(s.events)
		close(s.done)
	})
}

// StreamSink adapts a Stream into an EventSink, filtering by mode.
type streamSink struct {
	stream *Stream
	mode   StreamMode
	next   EventSink
}

func (s *streamSink) OnEvent(evt *Event) {
	if s.next != nil {
		s.next.OnEvent(evt)
	}
	if s.mode == StreamModeLayer {
		switch evt.Type {
		case EventNodeStarted, EventNodeCompleted:
			return
		}
	}
	s.stream.offer(evt)
}

// StreamOption configures ExecuteStream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	mode   StreamMode
	buffer int
	resume bool
}

// WithStreamMode sets the event granularity. Default StreamModeNode.
func WithStreamMode(mode StreamMode) StreamOption {
	return func(o *streamOptions) { o.mode = mode }
}

// WithStreamBuffer sets the event channel capacity.
func WithStreamBuffer(n int) StreamOption {
	return func(o *streamOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithStreamResume makes the streamed run resume from the latest checkpoint
// instead of starting fresh.
func WithStreamResume() StreamOption {
	return func(o *streamOptions) { o.resume = true }
}

// ExecuteStream starts the run on a goroutine and returns a Stream of its
// lifecycle events. The stream's sink chains in front of any sink already on
// the context, so both observe the run.
func (e *Executor) ExecuteStream(ctx context.Context, execCtx *ExecutionContext, opts ...StreamOption) *Stream {
	options := streamOptions{mode: StreamModeNode, buffer: defaultStreamBuffer}
	for _, opt := range opts {
		opt(&options)
	}

	stream := &Stream{
		events: make(chan *Event, options.buffer),
		done:   make(chan struct{}),
	}
	if execCtx == nil {
		stream.finish(ErrExecutionContextRequired)
		return stream
	}

	prior := execCtx.sink
	if _, isNoop := prior.(NoopSink); isNoop {
		prior = nil
	}
	execCtx.sink = &streamSink{stream: stream, mode: options.mode, next: prior}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("graph: streamed run %s panicked: %v", execCtx.ExecutionID, r)
				stream.finish(ErrStreamPanicked)
			}
		}()
		var err error
		if options.resume {
			err = e.Resume(ctx, execCtx)
		} else {
			err = e.Execute(ctx, execCtx)
		}
		stream.finish(err)
	}()
	return stream
}
