package store

import (
	"context"
	"sort"
	"sync"

	"woodshed-sync-server/internal/domain"
)

// MemoryEntityStore is a goroutine-safe in-memory EntityStore used by tests
// and local development.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]*domain.SyncEntity

	// FailPuts forces Put to return err when non-nil (transient-failure
	// injection in tests).
	FailPuts error
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: make(map[string]*domain.SyncEntity),
	}
}

func memoryKey(ownerID string, entityType domain.EntityType, entityID string) string {
	return ownerID + "|" + string(entityType) + "|" + entityID
}

func (s *MemoryEntityStore) Get(ctx context.Context, ownerID string, entityType domain.EntityType, entityID string) (*domain.SyncEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[memoryKey(ownerID, entityType, entityID)]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *entity
	return &clone, nil
}

func (s *MemoryEntityStore) Put(ctx context.Context, entity *domain.SyncEntity, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPuts != nil {
		return s.FailPuts
	}

	key := memoryKey(entity.OwnerID, entity.EntityType, entity.EntityID)

	if existing, ok := s.entities[key]; ok {
		if existing.Version != expectedVersion {
			return ErrVersionMismatch
		}
	} else if expectedVersion != 0 {
		return ErrVersionMismatch
	}

	clone := *entity
	s.entities[key] = &clone
	return nil
}

func (s *MemoryEntityStore) ListByOwner(ctx context.Context, ownerID string) ([]*domain.SyncEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entities []*domain.SyncEntity
	for _, entity := range s.entities {
		if entity.OwnerID == ownerID {
			clone := *entity
			entities = append(entities, &clone)
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Key() < entities[j].Key()
	})

	return entities, nil
}
