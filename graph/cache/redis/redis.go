//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed result cache keyed by node
// fingerprint, shared across processes and runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowgraph/flowgraph/graph"
)

const (
	keyPrefix  = "nodecache:"
	defaultTTL = time.Hour * 24
)

func cacheKey(fingerprint string) string { return keyPrefix + fingerprint }

var defaultOptions = Options{
	ttl: defaultTTL,
}

// Options configures the redis cache store.
type Options struct {
	url    string
	client redis.UniversalClient
	ttl    time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithClientURL creates the store's redis client from a URL.
func WithClientURL(url string) Option {
	return func(opts *Options) { opts.url = url }
}

// WithClient uses an existing redis client. It takes priority over
// WithClientURL, and the caller keeps ownership of the client.
func WithClient(client redis.UniversalClient) Option {
	return func(opts *Options) { opts.client = client }
}

// WithTTL sets the expiry of cached results. Non-positive values restore
// the default.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl <= 0 {
			ttl = defaultTTL
		}
		opts.ttl = ttl
	}
}

// Store is the redis cache store.
type Store struct {
	opts   Options
	client redis.UniversalClient
	owned  bool
	once   sync.Once
}

// New creates a redis cache store.
func New(options ...Option) (*Store, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	client := opts.client
	owned := false
	if client == nil {
		if opts.url == "" {
			return nil, errors.New("redis client or url is required")
		}
		redisOpts, err := redis.ParseURL(opts.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
		owned = true
	}
	return &Store{opts: opts, client: client, owned: owned}, nil
}

// Get returns the cached result for a fingerprint, or (nil, nil) on a miss.
func (s *Store) Get(ctx context.Context, fingerprint string) (*graph.CachedResult, error) {
	body, err := s.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached result: %w", err)
	}
	var result graph.CachedResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal cached result: %w", err)
	}
	return &result, nil
}

// Set stores a result under its fingerprint with the configured TTL.
func (s *Store) Set(ctx context.Context, fingerprint string, result *graph.CachedResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}
	if err := s.client.Set(ctx, cacheKey(fingerprint), body, s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("write cached result: %w", err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.owned {
			err = s.client.Close()
		}
	})
	return err
}
