// Package inmem provides an in-memory implementation of eventstore.Store for
// tests and local development, ported from the sequencing/paging discipline
// of an in-memory append log, extended with
// hash chaining and snapshotting.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskorch/orchestrator/eventstore"
)

// Store implements eventstore.Store in memory. Not durable; intended for
// tests and the in-process workflow engine adapter.
type Store struct {
	mu        sync.Mutex
	events    map[string][]*eventstore.Event
	seenIDs   map[string]map[string]int64 // workflowID -> eventID -> seq
	snapshots map[string]*eventstore.Snapshot
}

// New returns a new in-memory event store.
func New() *Store {
	return &Store{
		events:    make(map[string][]*eventstore.Event),
		seenIDs:   make(map[string]map[string]int64),
		snapshots: make(map[string]*eventstore.Snapshot),
	}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, e *eventstore.Event) (*eventstore.Event, error) {
	if e == nil || e.WorkflowID == "" {
		return nil, fmt.Errorf("eventstore/inmem: workflow_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EventID != "" {
		if seen, ok := s.seenIDs[e.WorkflowID]; ok {
			if seq, dup := seen[e.EventID]; dup {
				return s.events[e.WorkflowID][seq-1], nil
			}
		}
	}

	existing := s.events[e.WorkflowID]
	prevHash := eventstore.ZeroHash
	if len(existing) > 0 {
		prevHash = existing[len(existing)-1].Hash
	}

	next := *e
	next.Seq = int64(len(existing)) + 1
	next.PrevHash = prevHash
	hash, err := eventstore.ComputeHash(&next)
	if err != nil {
		return nil, err
	}
	next.Hash = hash

	s.events[e.WorkflowID] = append(existing, &next)
	if s.seenIDs[e.WorkflowID] == nil {
		s.seenIDs[e.WorkflowID] = make(map[string]int64)
	}
	if e.EventID != "" {
		s.seenIDs[e.WorkflowID][e.EventID] = next.Seq
	}
	out := next
	return &out, nil
}

// Load implements eventstore.Store.
func (s *Store) Load(_ context.Context, workflowID string, fromSeq, toSeq int64) ([]*eventstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[workflowID]
	out := make([]*eventstore.Event, 0, len(all))
	for _, e := range all {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq >= toSeq {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Snapshot implements eventstore.Store.
func (s *Store) Snapshot(_ context.Context, workflowID string, state json.RawMessage, atSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[workflowID] = &eventstore.Snapshot{
		WorkflowID: workflowID,
		AtSeq:      atSeq,
		State:      append([]byte(nil), state...),
		CreatedAt:  time.Now(),
	}
	return nil
}

// LatestSnapshot implements eventstore.Store.
func (s *Store) LatestSnapshot(_ context.Context, workflowID string) (*eventstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[workflowID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}
