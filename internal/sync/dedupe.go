package sync

import (
	"time"

	"woodshed-sync-server/internal/domain"
)

type dedupeEntry struct {
	ack     *domain.Ack
	addedAt time.Time
}

// dedupeWindow remembers recently acknowledged changeIds so a retried
// submission returns the original ack instead of re-applying its payload.
// Bounded by size (FIFO) and age. Never persisted: a coordinator restart
// loses the window, so a retry arriving in that gap can re-apply.
type dedupeWindow struct {
	entries map[string]*dedupeEntry
	order   []string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func newDedupeWindow(maxSize int, ttl time.Duration) *dedupeWindow {
	return &dedupeWindow{
		entries: make(map[string]*dedupeEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (w *dedupeWindow) add(changeID string, ack *domain.Ack) {
	if _, exists := w.entries[changeID]; exists {
		return
	}

	w.entries[changeID] = &dedupeEntry{ack: ack, addedAt: w.now()}
	w.order = append(w.order, changeID)
	w.evict()
}

func (w *dedupeWindow) get(changeID string) (*domain.Ack, bool) {
	w.evict()

	entry, ok := w.entries[changeID]
	if !ok {
		return nil, false
	}
	return entry.ack, true
}

func (w *dedupeWindow) len() int {
	return len(w.entries)
}

func (w *dedupeWindow) evict() {
	for len(w.order) > w.maxSize {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.entries, oldest)
	}

	cutoff := w.now().Add(-w.ttl)
	for len(w.order) > 0 {
		entry := w.entries[w.order[0]]
		if entry == nil {
			w.order = w.order[1:]
			continue
		}
		if !entry.addedAt.Before(cutoff) {
			break
		}
		delete(w.entries, w.order[0])
		w.order = w.order[1:]
	}
}
