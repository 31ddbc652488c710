// Package store defines the durable persistence contracts for the
// pipeline. Implementations must keep identical semantics across
// backends: atomic per-call operations, per-partition monotonic ids,
// and read-your-writes within a process.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Partition names fixed at store-initialization time.
const (
	PartitionProfile     = "profile"
	PartitionLocations   = "locations"
	PartitionEmergencies = "emergencies"
	PartitionHazards     = "hazards"
	PartitionQueue       = "queue"
)

// ProfileID is the constant record id under which the singleton
// profile record is stored.
const ProfileID int64 = 1

// Partitions lists every partition the schema knows about.
var Partitions = []string{
	PartitionProfile,
	PartitionLocations,
	PartitionEmergencies,
	PartitionHazards,
	PartitionQueue,
}

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Record is the generic unit stored in a partition.
// Payload holds the domain data as JSON.
type Record struct {
	ID        int64
	Payload   json.RawMessage
	CreatedAt time.Time
}

// QueuedEvent is an outbound event pending remote delivery. EventID is
// a stable identifier the remote endpoint can use to deduplicate a
// harmless duplicate write after an at-least-once retry.
type QueuedEvent struct {
	ID         int64
	EventID    string
	Kind       string
	Payload    json.RawMessage
	Attempts   int
	EnqueuedAt time.Time
}

// RecordStore persists and retrieves records by partition.
type RecordStore interface {
	// Put writes rec to the partition. A zero rec.ID assigns the next
	// per-partition monotonic id; a non-zero id upserts in place.
	Put(ctx context.Context, partition string, rec Record) (int64, error)
	Get(ctx context.Context, partition string, id int64) (Record, error)
	GetAll(ctx context.Context, partition string) ([]Record, error)
	Delete(ctx context.Context, partition string, id int64) error
}

// QueueStore exposes the outbound-queue partition. Only the sync
// engine removes queue records once enqueued.
type QueueStore interface {
	EnqueueEvent(ctx context.Context, ev QueuedEvent) (QueuedEvent, error)
	// ListQueue returns queued events ordered by id. An empty kind
	// returns the whole queue.
	ListQueue(ctx context.Context, kind string) ([]QueuedEvent, error)
	DeleteQueued(ctx context.Context, id int64) error
	// MarkAttempt bumps the persisted attempt counter for observability.
	MarkAttempt(ctx context.Context, id int64) error
}

// Store aggregates record and queue access.
type Store interface {
	RecordStore
	QueueStore
}
