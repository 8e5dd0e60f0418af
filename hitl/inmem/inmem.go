// Package inmem provides an in-memory hitl.Store for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/taskorch/orchestrator/hitl"
)

// Store implements hitl.Store in memory.
type Store struct {
	mu   sync.Mutex
	rows map[string]hitl.Request
}

// New returns a new in-memory approval request store.
func New() *Store {
	return &Store{rows: make(map[string]hitl.Request)}
}

// Create implements hitl.Store.
func (s *Store) Create(_ context.Context, req hitl.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[req.ID] = req
	return nil
}

// Get implements hitl.Store.
func (s *Store) Get(_ context.Context, id string) (hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.rows[id]
	if !ok {
		return hitl.Request{}, hitl.ErrNotFound
	}
	return req, nil
}

// Update implements hitl.Store.
func (s *Store) Update(_ context.Context, req hitl.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.ID]; !ok {
		return hitl.ErrNotFound
	}
	s.rows[req.ID] = req
	return nil
}

// ListPending implements hitl.Store.
func (s *Store) ListPending(_ context.Context) ([]hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hitl.Request
	for _, req := range s.rows {
		if req.Status == hitl.StatusPending {
			out = append(out, req)
		}
	}
	return out, nil
}
