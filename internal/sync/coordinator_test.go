package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/merge"
	"woodshed-sync-server/internal/store"
)

type captureBroadcaster struct {
	mu     gosync.Mutex
	events []*domain.Event
}

func (b *captureBroadcaster) Broadcast(userID string, event *domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBroadcaster) all() []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.Event(nil), b.events...)
}

func newTestCoordinator(t *testing.T, entityStore store.EntityStore) (*Coordinator, *captureBroadcaster) {
	t.Helper()

	b := &captureBroadcaster{}
	c := NewCoordinator("user-1", entityStore, merge.NewResolver(), b, nil, Options{})
	t.Cleanup(c.Stop)
	return c, b
}

func newChange(changeID, entityID string, op domain.Operation, payload string, baseVersion int64) *domain.Change {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return &domain.Change{
		ChangeID:    changeID,
		EntityType:  domain.EntityTypeLogbook,
		EntityID:    entityID,
		Operation:   op,
		Payload:     raw,
		BaseVersion: baseVersion,
		ProducedAt:  time.Now(),
		DeviceID:    "device-a",
	}
}

func mustAck(t *testing.T, c *Coordinator, change *domain.Change) *domain.Ack {
	t.Helper()

	result, err := c.Submit(context.Background(), change)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", change.ChangeID, err)
	}
	if result.Conflict != nil {
		t.Fatalf("Submit(%s) returned conflict, want ack", change.ChangeID)
	}
	return result.Ack
}

func TestSubmitVersionsIncreaseByOne(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	for i := int64(0); i < 3; i++ {
		change := newChange(uuidLike(i), "entry-1", domain.OpUpdate, `{"notes":"take"}`, i)
		ack := mustAck(t, c, change)
		if ack.Version != i+1 {
			t.Fatalf("ack version = %d, want %d", ack.Version, i+1)
		}
	}
}

func uuidLike(i int64) string {
	return string(rune('a'+i)) + "-change"
}

func TestSubmitAcceptedUpdateBroadcasts(t *testing.T) {
	memStore := store.NewMemoryEntityStore()
	c, b := newTestCoordinator(t, memStore)

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"ok"}`, 0))
	ack := mustAck(t, c, newChange("c-2", "entry-1", domain.OpUpdate, `{"notes":"ok updated"}`, 1))

	if ack.Version != 2 {
		t.Fatalf("ack version = %d, want 2", ack.Version)
	}

	events := b.all()
	if len(events) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(events))
	}
	last := events[1]
	if last.Version != 2 || last.Operation != domain.OpUpdate || last.SourceDeviceID != "device-a" {
		t.Errorf("broadcast = %+v, want version 2 update from device-a", last)
	}

	entity, err := memStore.Get(context.Background(), "user-1", domain.EntityTypeLogbook, "entry-1")
	if err != nil {
		t.Fatalf("store Get error = %v", err)
	}
	if entity.Version != 2 || string(entity.Payload) != `{"notes":"ok updated"}` {
		t.Errorf("stored entity = v%d %s, want v2 updated payload", entity.Version, entity.Payload)
	}
}

func TestSubmitDuplicateChangeIDReturnsOriginalAck(t *testing.T) {
	memStore := store.NewMemoryEntityStore()
	c, _ := newTestCoordinator(t, memStore)

	change := newChange("c-dup", "entry-1", domain.OpCreate, `{"minutes":10}`, 0)
	first := mustAck(t, c, change)
	second := mustAck(t, c, change)

	if first.Version != second.Version {
		t.Errorf("duplicate ack version = %d, want original %d", second.Version, first.Version)
	}

	entity, _ := memStore.Get(context.Background(), "user-1", domain.EntityTypeLogbook, "entry-1")
	if entity.Version != 1 {
		t.Errorf("entity version = %d after duplicate submit, want 1 (no double apply)", entity.Version)
	}
}

func TestSubmitValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	tests := []struct {
		name   string
		mutate func(*domain.Change)
	}{
		{"unknown entity type", func(ch *domain.Change) { ch.EntityType = "dictionary" }},
		{"unknown operation", func(ch *domain.Change) { ch.Operation = "upsert" }},
		{"missing change id", func(ch *domain.Change) { ch.ChangeID = "" }},
		{"missing entity id", func(ch *domain.Change) { ch.EntityID = "" }},
		{"negative base version", func(ch *domain.Change) { ch.BaseVersion = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := newChange("c-x", "entry-1", domain.OpUpdate, `{}`, 0)
			tt.mutate(change)

			_, err := c.Submit(context.Background(), change)
			if !IsValidation(err) {
				t.Errorf("Submit() error = %v, want validation error", err)
			}
		})
	}
}

func TestSubmitBaseVersionAheadRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	_, err := c.Submit(context.Background(), newChange("c-1", "entry-1", domain.OpUpdate, `{}`, 5))
	if !IsValidation(err) {
		t.Errorf("Submit() error = %v, want validation error for future base version", err)
	}
}

func TestSubmitStaleBaseMergesRegisteredType(t *testing.T) {
	c, b := newTestCoordinator(t, store.NewMemoryEntityStore())

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"ok","tags":["scales"]}`, 0))
	mustAck(t, c, newChange("c-2", "entry-1", domain.OpUpdate, `{"notes":"ok","tags":["scales","etude"]}`, 1))

	// Device reconnecting with a change still based on version 1.
	stale := newChange("c-3", "entry-1", domain.OpUpdate, `{"notes":"ok","tags":["warmup"]}`, 1)
	ack := mustAck(t, c, stale)

	if !ack.Merged {
		t.Fatal("ack.Merged = false, want merged result")
	}
	if ack.Version != 3 {
		t.Fatalf("merged version = %d, want 3", ack.Version)
	}

	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(ack.Payload, &payload); err != nil {
		t.Fatalf("merged payload unmarshal error = %v", err)
	}
	want := []string{"etude", "scales", "warmup"}
	if len(payload.Tags) != len(want) {
		t.Fatalf("merged tags = %v, want union %v", payload.Tags, want)
	}
	for i, tag := range want {
		if payload.Tags[i] != tag {
			t.Errorf("merged tags[%d] = %s, want %s", i, payload.Tags[i], tag)
		}
	}

	events := b.all()
	if events[len(events)-1].Version != 3 {
		t.Errorf("merge broadcast version = %d, want 3", events[len(events)-1].Version)
	}
}

func TestSubmitStaleDeleteSurfacesConflict(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"a"}`, 0))
	mustAck(t, c, newChange("c-2", "entry-1", domain.OpUpdate, `{"notes":"ab"}`, 1))

	stale := newChange("c-3", "entry-1", domain.OpDelete, "", 1)
	stale.ProducedAt = time.Now().Add(-time.Hour) // produced before the server's write
	result, err := c.Submit(context.Background(), stale)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result.Conflict == nil {
		t.Fatal("Submit() returned ack for stale delete, want conflict")
	}

	record := result.Conflict
	if record.LocalVersion != 1 || record.ServerVersion != 2 {
		t.Errorf("conflict versions = local %d server %d, want 1 and 2", record.LocalVersion, record.ServerVersion)
	}
	if record.SuggestedResolution != domain.ResolutionAcceptServer {
		t.Errorf("suggested resolution = %s, want accept-server (server wrote later)", record.SuggestedResolution)
	}
}

func TestResolutionAcceptLocal(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"a"}`, 0))
	mustAck(t, c, newChange("c-2", "entry-1", domain.OpUpdate, `{"notes":"ab"}`, 1))

	retry := newChange("c-4", "entry-1", domain.OpDelete, "", 1)
	retry.Resolution = domain.ResolutionAcceptLocal

	ack := mustAck(t, c, retry)
	if ack.Version != 3 {
		t.Errorf("accept-local version = %d, want 3", ack.Version)
	}
}

func TestResolutionAcceptServer(t *testing.T) {
	memStore := store.NewMemoryEntityStore()
	c, _ := newTestCoordinator(t, memStore)

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"server"}`, 0))

	surrender := newChange("c-5", "entry-1", domain.OpUpdate, `{"notes":"mine"}`, 0)
	surrender.Resolution = domain.ResolutionAcceptServer

	ack := mustAck(t, c, surrender)
	if ack.Version != 1 {
		t.Errorf("accept-server version = %d, want unchanged 1", ack.Version)
	}
	if string(ack.Payload) != `{"notes":"server"}` {
		t.Errorf("accept-server payload = %s, want server state", ack.Payload)
	}

	entity, _ := memStore.Get(context.Background(), "user-1", domain.EntityTypeLogbook, "entry-1")
	if entity.Version != 1 {
		t.Errorf("entity version = %d, want 1 (no write on surrender)", entity.Version)
	}
}

func TestSubmitTransientStorageError(t *testing.T) {
	memStore := store.NewMemoryEntityStore()
	c, _ := newTestCoordinator(t, memStore)

	memStore.FailPuts = errors.New("couch unavailable")
	change := newChange("c-1", "entry-1", domain.OpCreate, `{"minutes":5}`, 0)

	_, err := c.Submit(context.Background(), change)
	if !IsTransient(err) {
		t.Fatalf("Submit() error = %v, want transient", err)
	}

	// The failed attempt must not be deduped: the client's retry with the
	// same changeId has to go through.
	memStore.FailPuts = nil
	ack := mustAck(t, c, change)
	if ack.Version != 1 {
		t.Errorf("retry version = %d, want 1", ack.Version)
	}
}

func TestSubmitDeleteMissingEntityAcks(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())

	ack := mustAck(t, c, newChange("c-1", "never-created", domain.OpDelete, "", 0))
	if ack.Version != 0 {
		t.Errorf("delete of missing entity version = %d, want 0", ack.Version)
	}
}

func TestSubmitDeleteBumpsVersionAndBroadcasts(t *testing.T) {
	memStore := store.NewMemoryEntityStore()
	c, b := newTestCoordinator(t, memStore)

	mustAck(t, c, newChange("c-1", "entry-1", domain.OpCreate, `{"notes":"a"}`, 0))
	ack := mustAck(t, c, newChange("c-2", "entry-1", domain.OpDelete, "", 1))

	if ack.Version != 2 {
		t.Fatalf("delete ack version = %d, want 2", ack.Version)
	}

	entity, _ := memStore.Get(context.Background(), "user-1", domain.EntityTypeLogbook, "entry-1")
	if !entity.Deleted {
		t.Error("entity not marked deleted")
	}

	events := b.all()
	if events[len(events)-1].Operation != domain.OpDelete {
		t.Errorf("broadcast operation = %s, want delete", events[len(events)-1].Operation)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryEntityStore())
	c.Stop()

	_, err := c.Submit(context.Background(), newChange("c-1", "entry-1", domain.OpCreate, `{}`, 0))
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrStopped", err)
	}
}
