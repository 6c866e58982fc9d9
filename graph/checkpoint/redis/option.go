//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint store for execution
// state persistence and recovery across processes.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = time.Hour * 24 * 7 // 7 days
)

var defaultOptions = Options{
	ttl: defaultTTL,
}

// Options configures the redis checkpoint store.
type Options struct {
	url    string
	client redis.UniversalClient
	ttl    time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithClientURL creates the store's redis client from a URL.
func WithClientURL(url string) Option {
	return func(opts *Options) {
		opts.url = url
	}
}

// WithClient uses an existing redis client. It takes priority over
// WithClientURL, and the caller keeps ownership of the client.
func WithClient(client redis.UniversalClient) Option {
	return func(opts *Options) {
		opts.client = client
	}
}

// WithTTL sets the expiry of checkpoint data in redis. Non-positive values
// restore the default.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl <= 0 {
			ttl = defaultTTL
		}
		opts.ttl = ttl
	}
}
