package store

import (
	"context"
	"errors"

	"woodshed-sync-server/internal/domain"
)

var (
	// ErrNotFound is returned by Get for an entity that was never written.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionMismatch is returned by Put when expectedVersion does not
	// match the stored version. The coordinator surfaces it as a transient
	// error; it never overwrites blindly.
	ErrVersionMismatch = errors.New("entity version mismatch")
)

// EntityStore persists authoritative entity state with optimistic
// concurrency. Only a user's coordinator writes through it.
type EntityStore interface {
	Get(ctx context.Context, ownerID string, entityType domain.EntityType, entityID string) (*domain.SyncEntity, error)
	Put(ctx context.Context, entity *domain.SyncEntity, expectedVersion int64) error
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.SyncEntity, error)
}

// UserStore persists account records for the auth handshake.
type UserStore interface {
	Create(ctx context.Context, user *domain.User) error
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}
