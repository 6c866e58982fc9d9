//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint store. It is suitable
// for testing and single-process use but not for durable recovery.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/flowgraph/flowgraph/graph"
)

// Store keeps checkpoints in process memory, ordered per execution.
type Store struct {
	mu      sync.RWMutex
	storage map[string][]*graph.Checkpoint // executionID -> checkpoints, oldest first
	// maxPerExecution bounds the checkpoints retained per execution.
	maxPerExecution int
}

// New creates an in-memory checkpoint store.
func New() *Store {
	return &Store{
		storage:         make(map[string][]*graph.Checkpoint),
		maxPerExecution: graph.DefaultMaxCheckpointsPerExecution,
	}
}

// WithMaxPerExecution sets the maximum checkpoints retained per execution.
func (s *Store) WithMaxPerExecution(max int) *Store {
	s.maxPerExecution = max
	return s
}

// Save persists a checkpoint, pruning the oldest entries past the limit.
func (s *Store) Save(ctx context.Context, cp *graph.Checkpoint) error {
	if cp == nil || cp.ExecutionID == "" {
		return graph.ErrExecutionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.storage[cp.ExecutionID], cp.Clone())
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if s.maxPerExecution > 0 && len(list) > s.maxPerExecution {
		list = list[len(list)-s.maxPerExecution:]
	}
	s.storage[cp.ExecutionID] = list
	return nil
}

// LoadLatest returns the most recent checkpoint for an execution, or
// (nil, nil) when none exists.
func (s *Store) LoadLatest(ctx context.Context, executionID string) (*graph.Checkpoint, error) {
	if executionID == "" {
		return nil, graph.ErrExecutionIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.storage[executionID]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1].Clone(), nil
}

// DeleteExecution removes every checkpoint for an execution.
func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, executionID)
	return nil
}

// Close clears the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = make(map[string][]*graph.Checkpoint)
	return nil
}
