// Package redisstore provides a Redis-backed implementation of
// statestore.Store, using go-redis's optimistic WATCH/MULTI transaction
// support to implement the version-conditioned Put, in the idiom of the
// Redis usage for distributed coordination (replicated maps, result
// streams).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskorch/orchestrator/statestore"
)

// Store implements statestore.Store backed by a single Redis hash per
// workflow (key "taskorch:state:<workflow_id>").
type Store struct {
	rdb *redis.Client
}

// New returns a Store backed by rdb.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(workflowID string) string {
	return "taskorch:state:" + workflowID
}

type row struct {
	Status      string          `json:"status"`
	CurrentStep string          `json:"current_step"`
	State       json.RawMessage `json:"state"`
	Version     int64           `json:"version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Get implements statestore.Store.
func (s *Store) Get(ctx context.Context, workflowID string) (statestore.WorkflowState, error) {
	data, err := s.rdb.Get(ctx, key(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return statestore.WorkflowState{}, statestore.ErrNotFound
	}
	if err != nil {
		return statestore.WorkflowState{}, fmt.Errorf("redisstore: get %s: %w", workflowID, err)
	}
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return statestore.WorkflowState{}, fmt.Errorf("redisstore: decode %s: %w", workflowID, err)
	}
	return statestore.WorkflowState{
		WorkflowID:  workflowID,
		Status:      r.Status,
		CurrentStep: r.CurrentStep,
		State:       r.State,
		Version:     r.Version,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// Put implements statestore.Store using a WATCH/MULTI transaction so the
// conditional write is atomic even under concurrent callers: the watched key
// is re-read inside the transaction function and the write is aborted with
// ErrVersionConflict if its version no longer matches expectedVersion.
func (s *Store) Put(ctx context.Context, state statestore.WorkflowState, expectedVersion int64) error {
	k := key(state.WorkflowID)

	txf := func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return fmt.Errorf("redisstore: watch-read %s: %w", state.WorkflowID, err)
		default:
			var r row
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("redisstore: decode %s: %w", state.WorkflowID, err)
			}
			current = r.Version
		}
		if current != expectedVersion {
			return statestore.ErrVersionConflict
		}

		payload, err := json.Marshal(row{
			Status:      state.Status,
			CurrentStep: state.CurrentStep,
			State:       state.State,
			Version:     state.Version,
			UpdatedAt:   state.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("redisstore: encode %s: %w", state.WorkflowID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, 0)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, k)
	if errors.Is(err, redis.TxFailedErr) {
		return statestore.ErrVersionConflict
	}
	return err
}

// Delete implements statestore.Store.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	return s.rdb.Del(ctx, key(workflowID)).Err()
}
