package domain

import (
	"encoding/json"
	"time"
)

// Event is an applied change fanned out to the owner's other sessions.
// Ordering is strict per entity; nothing is guaranteed across entities.
type Event struct {
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SourceDeviceID string          `json:"source_device_id,omitempty"`
}
