package domain

import (
	"encoding/json"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Resolution is an explicit client choice after a surfaced conflict.
type Resolution string

const (
	ResolutionNone         Resolution = ""
	ResolutionAcceptLocal  Resolution = "accept-local"
	ResolutionAcceptServer Resolution = "accept-server"
)

// Change is a client-submitted mutation of a single entity. ChangeID is the
// idempotence key: resubmitting a ChangeID inside the dedupe window returns
// the original acknowledgment instead of re-applying the payload.
type Change struct {
	ChangeID    string          `json:"change_id" validate:"required,uuid4"`
	EntityType  EntityType      `json:"entity_type" validate:"required"`
	EntityID    string          `json:"entity_id" validate:"required"`
	Operation   Operation       `json:"operation" validate:"required,oneof=create update delete"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version" validate:"gte=0"`
	ProducedAt  time.Time       `json:"produced_at"`
	DeviceID    string          `json:"device_id,omitempty"`
	Resolution  Resolution      `json:"resolution,omitempty" validate:"omitempty,oneof=accept-local accept-server"`
}

func (c *Change) EntityKey() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// Ack acknowledges an accepted change with the new authoritative version.
// Merged is set when the coordinator applied a registered merge function
// instead of the submitted payload verbatim; Payload then carries the
// merged result so the submitting device converges too.
type Ack struct {
	ChangeID   string          `json:"change_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Merged     bool            `json:"merged,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	AppliedAt  time.Time       `json:"applied_at"`
}
