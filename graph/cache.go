//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"time"
)

// CachedResult is a node output stored under a fingerprint. Lifetime and
// eviction are owned by the configured CacheStore, not by the engine.
type CachedResult struct {
	// Outputs is the node's output map at capture time.
	Outputs map[string]any `json:"outputs"`
	// Duration is how long the original execution took.
	Duration time.Duration `json:"duration"`
	// Metadata carries opaque store or handler metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CacheStore defines the interface for content-addressed result caches.
// Reads happen on the run's critical path; writes are issued asynchronously
// after a cache-miss execution succeeds and are never awaited. Store
// failures in either direction must not fail the run.
type CacheStore interface {
	// Get returns the cached result for a fingerprint, or nil on a miss.
	Get(ctx context.Context, fingerprint string) (*CachedResult, error)
	// Set stores a result under a fingerprint.
	Set(ctx context.Context, fingerprint string, result *CachedResult) error
}
