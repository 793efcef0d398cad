// Package sync implements the per-user coordinator: a single serialized
// actor owning all of one user's entity versions. Changes pass in through
// a request channel; no other code mutates authoritative state.
package sync

import (
	"context"
	"errors"
	"log"
	gosync "sync"
	"sync/atomic"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/merge"
	"woodshed-sync-server/internal/metrics"
	"woodshed-sync-server/internal/store"
)

// ErrStopped is returned for submissions racing a coordinator shutdown.
var ErrStopped = errors.New("coordinator stopped")

// Broadcaster fans an applied change out to the user's other sessions.
// Fire-and-forget: a disconnected session catches up via its own drain or
// an explicit resync.
type Broadcaster interface {
	Broadcast(userID string, event *domain.Event)
}

// Result is the outcome of one submitted change: exactly one of Ack or
// Conflict is set. Errors travel separately.
type Result struct {
	Ack      *domain.Ack
	Conflict *domain.ConflictRecord
}

type Options struct {
	DedupeSize   int
	DedupeTTL    time.Duration
	IdleTTL      time.Duration
	ReapInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 1024
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	return opts
}

type submitRequest struct {
	ctx    context.Context
	change *domain.Change
	reply  chan submitReply
}

type submitReply struct {
	result *Result
	err    error
}

// Coordinator serializes all of one user's change submissions. Entity
// state is cached after first load; the cache is authoritative between
// store writes because nothing else writes these keys.
type Coordinator struct {
	userID      string
	store       store.EntityStore
	resolver    *merge.Resolver
	broadcaster Broadcaster
	metrics     *metrics.Metrics

	requests chan *submitRequest
	quit     chan struct{}
	stopOnce gosync.Once

	entities map[string]*domain.SyncEntity
	dedupe   *dedupeWindow

	lastActive atomic.Int64
	now        func() time.Time
}

func NewCoordinator(userID string, entityStore store.EntityStore, resolver *merge.Resolver, broadcaster Broadcaster, m *metrics.Metrics, opts Options) *Coordinator {
	opts = opts.withDefaults()

	c := &Coordinator{
		userID:      userID,
		store:       entityStore,
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     m,
		requests:    make(chan *submitRequest, 64),
		quit:        make(chan struct{}),
		entities:    make(map[string]*domain.SyncEntity),
		dedupe:      newDedupeWindow(opts.DedupeSize, opts.DedupeTTL),
		now:         time.Now,
	}
	c.touch()

	go c.run()
	return c
}

// Submit hands a change to the coordinator and waits for its outcome.
// Every submission yields exactly one of acknowledgment, conflict or error.
func (c *Coordinator) Submit(ctx context.Context, change *domain.Change) (*Result, error) {
	req := &submitRequest{
		ctx:    ctx,
		change: change,
		reply:  make(chan submitReply, 1),
	}

	select {
	case c.requests <- req:
	case <-c.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the actor down. Submissions already queued are answered with
// ErrStopped; a change mid-persist completes first.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}

// LastActive reports when the coordinator last handled a submission.
func (c *Coordinator) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Coordinator) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Coordinator) run() {
	for {
		select {
		case req := <-c.requests:
			result, err := c.handle(req.ctx, req.change)
			req.reply <- submitReply{result: result, err: err}

		case <-c.quit:
			for {
				select {
				case req := <-c.requests:
					req.reply <- submitReply{err: ErrStopped}
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, change *domain.Change) (*Result, error) {
	c.touch()
	if c.metrics != nil {
		c.metrics.MessagesProcessed.Add(1)
	}

	if err := validateChange(change); err != nil {
		return nil, err
	}

	if ack, ok := c.dedupe.get(change.ChangeID); ok {
		if c.metrics != nil {
			c.metrics.DuplicateChanges.Add(1)
		}
		return &Result{Ack: ack}, nil
	}

	current, err := c.currentState(ctx, change.EntityType, change.EntityID)
	if err != nil {
		return nil, err
	}

	var version int64
	if current != nil {
		version = current.Version
	}

	baseVersion := change.BaseVersion
	switch change.Resolution {
	case domain.ResolutionAcceptServer:
		// Client surrendered; echo the authoritative state without a write.
		ack := &domain.Ack{
			ChangeID:   change.ChangeID,
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			Version:    version,
			AppliedAt:  c.now(),
		}
		if current != nil {
			ack.Payload = current.Payload
		}
		c.dedupe.add(change.ChangeID, ack)
		return &Result{Ack: ack}, nil

	case domain.ResolutionAcceptLocal:
		baseVersion = version
	}

	if baseVersion < version {
		return c.resolveConflict(ctx, change, current)
	}
	if baseVersion > version {
		return nil, &ValidationError{Reason: "base version ahead of authoritative version"}
	}

	if change.Operation == domain.OpDelete && current == nil {
		// Deleting something never stored: acknowledge, nothing to do.
		ack := &domain.Ack{
			ChangeID:   change.ChangeID,
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			Version:    0,
			AppliedAt:  c.now(),
		}
		c.dedupe.add(change.ChangeID, ack)
		return &Result{Ack: ack}, nil
	}

	entity := &domain.SyncEntity{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		OwnerID:    c.userID,
		Version:    version + 1,
		Payload:    change.Payload,
		UpdatedAt:  c.now(),
		Deleted:    change.Operation == domain.OpDelete,
	}
	if change.Operation == domain.OpDelete && current != nil {
		entity.Payload = current.Payload
	}

	return c.apply(ctx, change, entity, version, false)
}

// apply persists the new entity state at expectedVersion and finishes the
// change: dedupe record, ack, broadcast.
func (c *Coordinator) apply(ctx context.Context, change *domain.Change, entity *domain.SyncEntity, expectedVersion int64, merged bool) (*Result, error) {
	if err := c.store.Put(ctx, entity, expectedVersion); err != nil {
		// Never retried here: a second Put could double-apply effects the
		// changeId guard has not recorded yet.
		return nil, &TransientError{Err: err}
	}

	c.entities[entity.Key()] = entity

	ack := &domain.Ack{
		ChangeID:   change.ChangeID,
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		Version:    entity.Version,
		Merged:     merged,
		AppliedAt:  entity.UpdatedAt,
	}
	if merged {
		ack.Payload = entity.Payload
	}
	c.dedupe.add(change.ChangeID, ack)

	if c.metrics != nil {
		c.metrics.ChangesApplied.Add(1)
	}

	if c.broadcaster != nil {
		operation := change.Operation
		if merged {
			operation = domain.OpUpdate
		}
		c.broadcaster.Broadcast(c.userID, &domain.Event{
			EntityType:     entity.EntityType,
			EntityID:       entity.EntityID,
			Operation:      operation,
			Version:        entity.Version,
			Payload:        entity.Payload,
			UpdatedAt:      entity.UpdatedAt,
			SourceDeviceID: change.DeviceID,
		})
		if c.metrics != nil {
			c.metrics.BroadcastsSent.Add(1)
		}
	}

	return &Result{Ack: ack}, nil
}

// resolveConflict handles a change whose base version is behind. A
// registered merge applies immediately with no client round trip; anything
// else surfaces a ConflictRecord with a suggested resolution.
func (c *Coordinator) resolveConflict(ctx context.Context, change *domain.Change, current *domain.SyncEntity) (*Result, error) {
	if c.metrics != nil {
		c.metrics.ConflictsDetected.Add(1)
	}

	local := merge.Side{Payload: change.Payload, At: change.ProducedAt}
	server := merge.Side{At: c.now()}
	if current != nil {
		server = merge.Side{Payload: current.Payload, At: current.UpdatedAt}
	}

	mergeable := c.resolver.CanMerge(change.EntityType) &&
		change.Operation != domain.OpDelete &&
		current != nil && !current.Deleted

	if mergeable {
		mergedPayload, err := c.resolver.Merge(change.EntityType, local, server)
		if err == nil {
			entity := &domain.SyncEntity{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				OwnerID:    c.userID,
				Version:    current.Version + 1,
				Payload:    mergedPayload,
				UpdatedAt:  c.now(),
			}
			result, applyErr := c.apply(ctx, change, entity, current.Version, true)
			if applyErr == nil && c.metrics != nil {
				c.metrics.ConflictsMerged.Add(1)
			}
			return result, applyErr
		}
		log.Printf("merge failed for %s/%s, surfacing conflict: %v", change.EntityType, change.EntityID, err)
	}

	record := &domain.ConflictRecord{
		ChangeID:            change.ChangeID,
		EntityType:          change.EntityType,
		EntityID:            change.EntityID,
		LocalVersion:        change.BaseVersion,
		LocalPayload:        change.Payload,
		SuggestedResolution: merge.SuggestResolution(local, server),
	}
	if current != nil {
		record.ServerVersion = current.Version
		record.ServerPayload = current.Payload
	}

	return &Result{Conflict: record}, nil
}

func (c *Coordinator) currentState(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncEntity, error) {
	key := domain.EntityKey(entityType, entityID)
	if entity, ok := c.entities[key]; ok {
		return entity, nil
	}

	entity, err := c.store.Get(ctx, c.userID, entityType, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, &TransientError{Err: err}
	}

	c.entities[key] = entity
	return entity, nil
}

func validateChange(change *domain.Change) error {
	if change.ChangeID == "" {
		return &ValidationError{Reason: "missing change id"}
	}
	if change.EntityID == "" {
		return &ValidationError{Reason: "missing entity id"}
	}
	if !domain.KnownEntityType(change.EntityType) {
		return &ValidationError{Reason: "unknown entity type " + string(change.EntityType)}
	}
	switch change.Operation {
	case domain.OpCreate, domain.OpUpdate, domain.OpDelete:
	default:
		return &ValidationError{Reason: "unknown operation " + string(change.Operation)}
	}
	if change.BaseVersion < 0 {
		return &ValidationError{Reason: "negative base version"}
	}
	return nil
}
