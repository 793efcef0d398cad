package offline

import (
	"context"
	"sort"
	gosync "sync"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/sync"

	"golang.org/x/sync/errgroup"
)

// Submitter is the replay path back to the coordinator: the server-side
// Coordinator satisfies it directly, the websocket client satisfies it
// over the wire.
type Submitter interface {
	Submit(ctx context.Context, change *domain.Change) (*sync.Result, error)
}

// Report is the outcome of one drain. Conflicted entries have already been
// removed from the queue; resolving them is the caller's job, they are
// never auto-retried.
type Report struct {
	Acked     []*domain.Ack
	Conflicts []*domain.ConflictRecord
}

// Drain replays every pending change in creation order: strictly serial
// per entity, pipelined across entities. Any submit error suspends the
// drain with unacknowledged entries still queued; the next drain restarts
// from the first of them.
func Drain(ctx context.Context, queue Queue, submitter Submitter) (*Report, error) {
	pending, err := queue.Pending()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if len(pending) == 0 {
		return report, nil
	}

	lanes := make(map[string][]*QueuedChange)
	var laneOrder []string
	for _, entry := range pending {
		key := entry.Change.EntityKey()
		if _, seen := lanes[key]; !seen {
			laneOrder = append(laneOrder, key)
		}
		lanes[key] = append(lanes[key], entry)
	}

	var mu gosync.Mutex
	type ackedEntry struct {
		seq uint64
		ack *domain.Ack
	}
	var acked []ackedEntry
	var conflicts []*domain.ConflictRecord

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range laneOrder {
		lane := lanes[key]
		g.Go(func() error {
			for _, entry := range lane {
				result, err := submitter.Submit(ctx, entry.Change)
				if err != nil {
					// Timeout or transport failure: the entry stays queued
					// and its changeId makes the next replay a no-op on the
					// server if this one actually landed.
					return err
				}

				if result.Conflict != nil {
					if err := queue.Remove(entry.Seq); err != nil {
						return err
					}
					mu.Lock()
					conflicts = append(conflicts, result.Conflict)
					mu.Unlock()
					continue
				}

				if err := queue.Remove(entry.Seq); err != nil {
					return err
				}
				mu.Lock()
				acked = append(acked, ackedEntry{seq: entry.Seq, ack: result.Ack})
				mu.Unlock()
			}
			return nil
		})
	}

	drainErr := g.Wait()

	sort.Slice(acked, func(i, j int) bool { return acked[i].seq < acked[j].seq })
	for _, entry := range acked {
		report.Acked = append(report.Acked, entry.ack)
	}
	report.Conflicts = conflicts

	return report, drainErr
}
