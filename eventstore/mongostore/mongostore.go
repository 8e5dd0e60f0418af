// Package mongostore provides a MongoDB-backed implementation of
// eventstore.Store, grounded on the persistence pattern in
// a durable event log: one collection for the
// append log with a unique compound index enforcing per-workflow sequencing,
// and a second collection for snapshots.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taskorch/orchestrator/eventstore"
)

// Store implements eventstore.Store backed by two MongoDB collections:
// "events" (append log) and "snapshots" (latest-projection cache).
type Store struct {
	events    *mongo.Collection
	snapshots *mongo.Collection
}

// New returns a Store using db's "events" and "snapshots" collections. The
// caller is responsible for calling EnsureIndexes once at startup.
func New(db *mongo.Database) *Store {
	return &Store{
		events:    db.Collection("events"),
		snapshots: db.Collection("snapshots"),
	}
}

// EnsureIndexes creates the indexes this store's invariants depend on:
// events(workflow_id, seq) unique, and a lookup index for event_id dedup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: ensure event indexes: %w", err)
	}
	_, err = s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "at_seq", Value: -1}},
		Options: options.Index(),
	})
	if err != nil {
		return fmt.Errorf("mongostore: ensure snapshot index: %w", err)
	}
	return nil
}

type eventDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	Seq        int64     `bson:"seq"`
	EventID    string    `bson:"event_id,omitempty"`
	Action     string    `bson:"action"`
	Payload    []byte    `bson:"payload"`
	Actor      string    `bson:"actor"`
	Timestamp  time.Time `bson:"timestamp"`
	PrevHash   string    `bson:"prev_hash"`
	Hash       string    `bson:"hash"`
}

func toDoc(e *eventstore.Event) eventDoc {
	return eventDoc{
		WorkflowID: e.WorkflowID,
		Seq:        e.Seq,
		EventID:    e.EventID,
		Action:     e.Action,
		Payload:    []byte(e.Payload),
		Actor:      e.Actor,
		Timestamp:  e.Timestamp,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
	}
}

func fromDoc(d eventDoc) *eventstore.Event {
	return &eventstore.Event{
		WorkflowID: d.WorkflowID,
		Seq:        d.Seq,
		EventID:    d.EventID,
		Action:     d.Action,
		Payload:    d.Payload,
		Actor:      d.Actor,
		Timestamp:  d.Timestamp,
		PrevHash:   d.PrevHash,
		Hash:       d.Hash,
	}
}

// Append implements eventstore.Store. It determines the next Seq by reading
// the highest persisted Seq for the workflow, then relies on the unique
// (workflow_id, seq) index to detect a race: a duplicate-key error is
// surfaced as eventstore.ErrConcurrentAppend so the caller re-reads and
// retries. A duplicate event_id is treated as an
// idempotent retry and returns the already-persisted event.
func (s *Store) Append(ctx context.Context, e *eventstore.Event) (*eventstore.Event, error) {
	if e == nil || e.WorkflowID == "" {
		return nil, fmt.Errorf("mongostore: workflow_id is required")
	}

	if e.EventID != "" {
		var existing eventDoc
		err := s.events.FindOne(ctx, bson.M{"workflow_id": e.WorkflowID, "event_id": e.EventID}).Decode(&existing)
		if err == nil {
			out := fromDoc(existing)
			return out, nil
		}
		if !mongo.IsErrNoDocuments(err) {
			return nil, fmt.Errorf("mongostore: check event_id dedup: %w", err)
		}
	}

	var last eventDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.events.FindOne(ctx, bson.M{"workflow_id": e.WorkflowID}, opts).Decode(&last)
	prevHash := eventstore.ZeroHash
	nextSeq := int64(1)
	switch {
	case err == nil:
		prevHash = last.Hash
		nextSeq = last.Seq + 1
	case mongo.IsErrNoDocuments(err):
		// first event for this workflow
	default:
		return nil, fmt.Errorf("mongostore: read last event: %w", err)
	}

	next := *e
	next.Seq = nextSeq
	next.PrevHash = prevHash
	hash, err := eventstore.ComputeHash(&next)
	if err != nil {
		return nil, err
	}
	next.Hash = hash

	if _, err := s.events.InsertOne(ctx, toDoc(&next)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, eventstore.ErrConcurrentAppend
		}
		return nil, fmt.Errorf("mongostore: insert event: %w", err)
	}
	out := next
	return &out, nil
}

// Load implements eventstore.Store.
func (s *Store) Load(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*eventstore.Event, error) {
	filter := bson.M{"workflow_id": workflowID, "seq": bson.M{"$gte": fromSeq}}
	if toSeq > 0 {
		filter["seq"].(bson.M)["$lt"] = toSeq
	}
	cur, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find events: %w", err)
	}
	defer cur.Close(ctx)

	var out []*eventstore.Event
	for cur.Next(ctx) {
		var d eventDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongostore: decode event: %w", err)
		}
		out = append(out, fromDoc(d))
	}
	return out, cur.Err()
}

type snapshotDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	AtSeq      int64     `bson:"at_seq"`
	State      []byte    `bson:"state"`
	CreatedAt  time.Time `bson:"created_at"`
}

// Snapshot implements eventstore.Store.
func (s *Store) Snapshot(ctx context.Context, workflowID string, state json.RawMessage, atSeq int64) error {
	doc := snapshotDoc{WorkflowID: workflowID, AtSeq: atSeq, State: state, CreatedAt: time.Now()}
	_, err := s.snapshots.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongostore: insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements eventstore.Store.
func (s *Store) LatestSnapshot(ctx context.Context, workflowID string) (*eventstore.Snapshot, error) {
	var doc snapshotDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "at_seq", Value: -1}})
	err := s.snapshots.FindOne(ctx, bson.M{"workflow_id": workflowID}, opts).Decode(&doc)
	if mongo.IsErrNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find snapshot: %w", err)
	}
	return &eventstore.Snapshot{
		WorkflowID: doc.WorkflowID,
		AtSeq:      doc.AtSeq,
		State:      doc.State,
		CreatedAt:  doc.CreatedAt,
	}, nil
}
