package store

import (
	"context"
	"testing"
	"time"

	"woodshed-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(entityID string, version int64, payload string) *domain.SyncEntity {
	return &domain.SyncEntity{
		EntityType: domain.EntityTypeLogbook,
		EntityID:   entityID,
		OwnerID:    "user-1",
		Version:    version,
		Payload:    []byte(payload),
		UpdatedAt:  time.Now(),
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryEntityStore()

	_, err := s.Get(context.Background(), "user-1", domain.EntityTypeLogbook, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreOptimisticConcurrency(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity("e1", 1, `{"a":1}`), 0))

	// Stale expected version must never overwrite.
	err := s.Put(ctx, entity("e1", 2, `{"a":2}`), 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	// First write of a key demands expectedVersion 0.
	err = s.Put(ctx, entity("e2", 1, `{}`), 3)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	require.NoError(t, s.Put(ctx, entity("e1", 2, `{"a":2}`), 1))

	got, err := s.Get(ctx, "user-1", domain.EntityTypeLogbook, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"a":2}`, string(got.Payload))
}

func TestMemoryStoreListByOwner(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity("e2", 1, `{}`), 0))
	require.NoError(t, s.Put(ctx, entity("e1", 1, `{}`), 0))

	other := entity("e9", 1, `{}`)
	other.OwnerID = "user-2"
	require.NoError(t, s.Put(ctx, other, 0))

	entities, err := s.ListByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "e1", entities[0].EntityID)
	assert.Equal(t, "e2", entities[1].EntityID)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity("e1", 1, `{}`), 0))

	got, err := s.Get(ctx, "user-1", domain.EntityTypeLogbook, "e1")
	require.NoError(t, err)
	got.Version = 99

	again, err := s.Get(ctx, "user-1", domain.EntityTypeLogbook, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)
}
