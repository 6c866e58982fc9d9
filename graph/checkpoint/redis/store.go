//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flowgraph/flowgraph/graph"
)

const (
	keyPrefixCheckpoint   = "ckpt:"
	keyPrefixCheckpointTS = "ckpt_ts:"
)

func checkpointKey(executionID, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefixCheckpoint, executionID, checkpointID)
}

func checkpointTSKey(executionID string) string {
	return keyPrefixCheckpointTS + executionID
}

// Store is the redis checkpoint store. Checkpoints live under per-id string
// keys; a per-execution sorted set scored by capture time indexes them.
type Store struct {
	opts   Options
	client redis.UniversalClient
	owned  bool
	once   sync.Once // ensure Close runs only once
}

// New creates a redis checkpoint store.
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

// Save persists a checkpoint and indexes it by capture time. Both writes
// carry the configured TTL so abandoned executions age out.
func (s *Store) Save(ctx context.Context, cp *graph.Checkpoint) error {
	if cp == nil || cp.ExecutionID == "" {
		return graph.ErrExecutionIDRequired
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(cp.ExecutionID, cp.ID), body, s.opts.ttl)
	pipe.ZAdd(ctx, checkpointTSKey(cp.ExecutionID), redis.Z{
		Score:  float64(cp.CreatedAt.UnixNano()),
		Member: cp.ID,
	})
	pipe.Expire(ctx, checkpointTSKey(cp.ExecutionID), s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// LoadLatest returns the most recent checkpoint for an execution, or
// (nil, nil) when none exists.
func (s *Store) LoadLatest(ctx context.Context, executionID string) (*graph.Checkpoint, error) {
	if executionID == "" {
		return nil, graph.ErrExecutionIDRequired
	}
	ids, err := s.client.ZRevRange(ctx, checkpointTSKey(executionID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	body, err := s.client.Get(ctx, checkpointKey(executionID, ids[0])).Bytes()
	if errors.Is(err, redis.Nil) {
		// Index entry outlived its expired payload.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", ids[0], err)
	}
	var cp graph.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", ids[0], err)
	}
	return &cp, nil
}

// DeleteExecution removes every checkpoint and the index for an execution.
func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	ids, err := s.client.ZRange(ctx, checkpointTSKey(executionID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read checkpoint index: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, checkpointKey(executionID, id))
	}
	keys = append(keys, checkpointTSKey(executionID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", executionID, err)
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
