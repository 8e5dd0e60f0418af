// Package inmem provides an in-memory implementation of statestore.Store for
// tests and the in-process workflow engine adapter.
package inmem

import (
	"context"
	"sync"

	"github.com/taskorch/orchestrator/statestore"
)

// Store implements statestore.Store in memory.
type Store struct {
	mu   sync.Mutex
	rows map[string]statestore.WorkflowState
}

// New returns a new in-memory state store.
func New() *Store {
	return &Store{rows: make(map[string]statestore.WorkflowState)}
}

// Get implements statestore.Store.
func (s *Store) Get(_ context.Context, workflowID string) (statestore.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[workflowID]
	if !ok {
		return statestore.WorkflowState{}, statestore.ErrNotFound
	}
	return row, nil
}

// Put implements statestore.Store.
func (s *Store) Put(_ context.Context, state statestore.WorkflowState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[state.WorkflowID]
	switch {
	case !exists && expectedVersion != 0:
		return statestore.ErrVersionConflict
	case exists && row.Version != expectedVersion:
		return statestore.ErrVersionConflict
	}
	s.rows[state.WorkflowID] = state
	return nil
}

// Delete implements statestore.Store.
func (s *Store) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, workflowID)
	return nil
}
