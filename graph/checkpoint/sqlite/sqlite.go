//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint store. The checkpoint
// body is stored as a JSON blob; the schema is created on construction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowgraph/flowgraph/graph"
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"execution_id TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"graph_id TEXT NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"PRIMARY KEY (execution_id, checkpoint_id)" +
		")"

	insertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"execution_id, checkpoint_id, graph_id, ts, checkpoint_json) VALUES (?, ?, ?, ?, ?)"

	selectLatest = "SELECT checkpoint_json FROM checkpoints " +
		"WHERE execution_id = ? ORDER BY ts DESC LIMIT 1"

	selectIDsAsc = "SELECT checkpoint_id FROM checkpoints " +
		"WHERE execution_id = ? ORDER BY ts ASC"

	deleteExecution = "DELETE FROM checkpoints WHERE execution_id = ?"

	deleteByID = "DELETE FROM checkpoints WHERE execution_id = ? AND checkpoint_id = ?"

	countByExecution = "SELECT COUNT(*) FROM checkpoints WHERE execution_id = ?"
)

// Store is a SQLite-backed implementation of CheckpointStore. It expects an
// initialized *sql.DB using a SQLite driver and creates its schema on
// construction. Suitable for durable single-host recovery.
type Store struct {
	db *sql.DB
	// maxPerExecution bounds the checkpoints retained per execution.
	maxPerExecution int
}

// New creates a store using the provided DB and creates the schema.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &Store{db: db, maxPerExecution: graph.DefaultMaxCheckpointsPerExecution}, nil
}

// WithMaxPerExecution sets the maximum checkpoints retained per execution.
// Zero disables pruning.
func (s *Store) WithMaxPerExecution(max int) *Store {
	s.maxPerExecution = max
	return s
}

// Save persists a checkpoint and prunes the oldest rows past the limit.
func (s *Store) Save(ctx context.Context, cp *graph.Checkpoint) error {
	if cp == nil || cp.ExecutionID == "" {
		return graph.ErrExecutionIDRequired
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, insertCheckpoint,
		cp.ExecutionID, cp.ID, cp.GraphID, cp.CreatedAt.UnixNano(), body); err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return s.prune(ctx, cp.ExecutionID)
}

// LoadLatest returns the most recent checkpoint for an execution, or
// (nil, nil) when none exists.
func (s *Store) LoadLatest(ctx context.Context, executionID string) (*graph.Checkpoint, error) {
	if executionID == "" {
		return nil, graph.ErrExecutionIDRequired
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, selectLatest, executionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	var cp graph.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteExecution removes every checkpoint for an execution.
func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, deleteExecution, executionID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", executionID, err)
	}
	return nil
}

// Close is a no-op; the caller owns the DB handle.
func (s *Store) Close() error { return nil }

func (s *Store) prune(ctx context.Context, executionID string) error {
	if s.maxPerExecution <= 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, countByExecution, executionID).Scan(&count); err != nil {
		return fmt.Errorf("count checkpoints for %s: %w", executionID, err)
	}
	if count <= s.maxPerExecution {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, selectIDsAsc, executionID)
	if err != nil {
		return fmt.Errorf("list checkpoints for %s: %w", executionID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate checkpoint ids: %w", err)
	}
	for _, id := range ids[:count-s.maxPerExecution] {
		if _, err := s.db.ExecContext(ctx, deleteByID, executionID, id); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", id, err)
		}
	}
	return nil
}
