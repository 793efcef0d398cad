package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeConnect      MessageType = "CONNECT"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
	TypeSyncConflict MessageType = "SYNC_CONFLICT"
	TypeBroadcast    MessageType = "BROADCAST"
	TypeSubscribe    MessageType = "SUBSCRIBE"
	TypeUnsubscribe  MessageType = "UNSUBSCRIBE"
	TypeError        MessageType = "ERROR"
)

// Error codes carried in the envelope's error object.
const (
	CodeValidation = "validation_error"
	CodeTransient  = "transient_storage_error"
	CodeConnection = "connection_error"
	CodeInternal   = "internal_error"
)

type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Message is the wire envelope. A response reuses the id of the message it
// answers so clients can match pending requests.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

type ConnectData struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

type SessionData struct {
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type SubscriptionEntry struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"` // "*" for all entities of the type
}

type SubscribeData struct {
	Entries []SubscriptionEntry `json:"entries"`
}

func NewMessage(id string, msgType MessageType, data interface{}) (*Message, error) {
	if id == "" {
		id = uuid.New().String()
	}

	var dataBytes json.RawMessage
	if data != nil {
		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		dataBytes = bytes
	}

	return &Message{
		ID:        id,
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      dataBytes,
	}, nil
}

func NewErrorMessage(id, code, message string, retryable bool) *Message {
	if id == "" {
		id = uuid.New().String()
	}
	return &Message{
		ID:        id,
		Type:      TypeError,
		Timestamp: time.Now().UnixMilli(),
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func (m *Message) UnmarshalData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
