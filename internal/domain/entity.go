package domain

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntityTypeLogbook    EntityType = "logbook"
	EntityTypeRepertoire EntityType = "repertoire"
	EntityTypeGoal       EntityType = "goal"
)

// KnownEntityType reports whether t is one of the synced entity types.
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityTypeLogbook, EntityTypeRepertoire, EntityTypeGoal:
		return true
	}
	return false
}

// SyncEntity is the authoritative state of one synced record. Version
// strictly increases on every accepted mutation; only the owner's
// coordinator may change it.
type SyncEntity struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OwnerID    string          `json:"owner_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Key identifies an entity within one owner's namespace.
func (e *SyncEntity) Key() string {
	return string(e.EntityType) + "/" + e.EntityID
}

func EntityKey(entityType EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}
