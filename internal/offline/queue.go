// Package offline is the device-side durable outbox: changes made while
// disconnected are appended here and replayed through the normal submit
// path on reconnect, idempotently via their changeIds.
package offline

import (
	"sort"
	gosync "sync"
	"time"

	"woodshed-sync-server/internal/domain"

	"github.com/google/uuid"
)

// QueuedChange is one pending entry. Seq fixes the creation order the
// drain replays in.
type QueuedChange struct {
	Seq        uint64         `json:"seq"`
	Change     *domain.Change `json:"change"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue is a durable local log of pending changes. Entries leave the queue
// on acknowledgment, surfaced conflict, or explicit cancel, never on a mere
// send attempt.
type Queue interface {
	Enqueue(change *domain.Change) (*QueuedChange, error)
	Pending() ([]*QueuedChange, error)
	Remove(seq uint64) error
	Len() (int, error)
}

// stampChange assigns the fresh changeId and produced-at time an enqueued
// change carries. Editing an already-queued logical change enqueues a new,
// independently idempotent entry; entries are never mutated in place.
func stampChange(change *domain.Change) *domain.Change {
	clone := *change
	clone.ChangeID = uuid.New().String()
	if clone.ProducedAt.IsZero() {
		clone.ProducedAt = time.Now()
	}
	return &clone
}

// MemoryQueue keeps the outbox in memory. Same contract as the bbolt queue,
// used in tests and as a fallback when no durable path is configured.
type MemoryQueue struct {
	mu      gosync.Mutex
	entries map[uint64]*QueuedChange
	nextSeq uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[uint64]*QueuedChange),
	}
}

func (q *MemoryQueue) Enqueue(change *domain.Change) (*QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	entry := &QueuedChange{
		Seq:        q.nextSeq,
		Change:     stampChange(change),
		EnqueuedAt: time.Now(),
	}
	q.entries[entry.Seq] = entry
	return entry, nil
}

func (q *MemoryQueue) Pending() ([]*QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*QueuedChange, 0, len(q.entries))
	for _, entry := range q.entries {
		pending = append(pending, entry)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Seq < pending[j].Seq
	})
	return pending, nil
}

func (q *MemoryQueue) Remove(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, seq)
	return nil
}

func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
