// Package metrics holds the server's operational counters.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	ConnectedSessions atomic.Int64
	MessagesProcessed atomic.Uint64
	ChangesApplied    atomic.Uint64
	DuplicateChanges  atomic.Uint64
	ConflictsDetected atomic.Uint64
	ConflictsMerged   atomic.Uint64
	BroadcastsSent    atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"connected_sessions": uint64(m.ConnectedSessions.Load()),
		"messages_processed": m.MessagesProcessed.Load(),
		"changes_applied":    m.ChangesApplied.Load(),
		"duplicate_changes":  m.DuplicateChanges.Load(),
		"conflicts_detected": m.ConflictsDetected.Load(),
		"conflicts_merged":   m.ConflictsMerged.Load(),
		"broadcasts_sent":    m.BroadcastsSent.Load(),
	}
}

func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(m.Snapshot())
	}
}
