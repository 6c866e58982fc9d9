//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory result cache keyed by node
// fingerprint. Suitable for single-process reuse within and across runs.
package inmemory

import (
	"context"
	"sync"

	"github.com/flowgraph/flowgraph/graph"
)

// Store keeps cached node results in process memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*graph.CachedResult
	// maxEntries bounds the cache; zero means unbounded. Eviction is
	// whole-cache: fingerprints carry no useful recency order.
	maxEntries int
}

// New creates an in-memory cache store.
func New() *Store {
	return &Store{entries: make(map[string]*graph.CachedResult)}
}

// WithMaxEntries bounds the cache. When full, the next Set clears it.
func (s *Store) WithMaxEntries(max int) *Store {
	s.maxEntries = max
	return s
}

// Get returns the cached result for a fingerprint, or (nil, nil) on a miss.
func (s *Store) Get(ctx context.Context, fingerprint string) (*graph.CachedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[fingerprint], nil
}

// Set stores a result under its fingerprint.
func (s *Store) Set(ctx context.Context, fingerprint string, result *graph.CachedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		if _, exists := s.entries[fingerprint]; !exists {
			s.entries = make(map[string]*graph.CachedResult)
		}
	}
	s.entries[fingerprint] = result
	return nil
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
