package domain

import "encoding/json"

// ConflictRecord is returned to a client whose change was based on a stale
// version and could not be merged automatically. It is ephemeral: never
// persisted, only carried back on the wire for an explicit choice.
type ConflictRecord struct {
	ChangeID            string          `json:"change_id"`
	EntityType          EntityType      `json:"entity_type"`
	EntityID            string          `json:"entity_id"`
	LocalVersion        int64           `json:"local_version"`
	ServerVersion       int64           `json:"server_version"`
	LocalPayload        json.RawMessage `json:"local_payload,omitempty"`
	ServerPayload       json.RawMessage `json:"server_payload,omitempty"`
	SuggestedResolution Resolution      `json:"suggested_resolution"`
}
