package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/sync"
	"woodshed-sync-server/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// TokenVerifier is the identity collaborator: token in, user id or
// rejection out. Verified exactly once, at connect time.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type WebSocketHandler struct {
	manager  *websocket.Manager
	verifier TokenVerifier
	upgrader ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, verifier TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		manager:  manager,
		verifier: verifier,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		log.Printf("websocket token rejected: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade connection: %v", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), userID, deviceID, conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// submitTimeout bounds one coordinator round trip, store write included.
const submitTimeout = 30 * time.Second

// WebSocketMessageHandler dispatches decoded envelopes from live sessions
// into the sync engine.
type WebSocketMessageHandler struct {
	registry *sync.Registry
}

func NewWebSocketMessageHandler(registry *sync.Registry) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{registry: registry}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeConnect:
		return h.handleConnect(client, msg)

	case websocket.TypePing:
		return h.reply(client, msg.ID, websocket.TypePong, nil)

	case websocket.TypePong:
		return nil

	case websocket.TypeSubscribe:
		return h.handleSubscribe(client, msg, true)

	case websocket.TypeUnsubscribe:
		return h.handleSubscribe(client, msg, false)

	case websocket.TypeSyncRequest:
		return h.handleSyncRequest(client, msg)

	default:
		return h.sendError(client, msg.ID, websocket.CodeValidation,
			"unsupported message type "+string(msg.Type), false)
	}
}

func (h *WebSocketMessageHandler) handleConnect(client *websocket.Client, msg *websocket.Message) error {
	var data websocket.ConnectData
	if err := msg.UnmarshalData(&data); err != nil {
		return h.sendError(client, msg.ID, websocket.CodeValidation, "malformed connect data", false)
	}

	if data.DeviceID != "" {
		client.DeviceID = data.DeviceID
	}
	client.DeviceName = data.DeviceName

	return h.reply(client, msg.ID, websocket.TypeConnect, &websocket.SessionData{
		SessionID:   client.ID,
		ConnectedAt: client.ConnectedAt,
	})
}

func (h *WebSocketMessageHandler) handleSubscribe(client *websocket.Client, msg *websocket.Message, subscribe bool) error {
	var data websocket.SubscribeData
	if err := msg.UnmarshalData(&data); err != nil {
		return h.sendError(client, msg.ID, websocket.CodeValidation, "malformed subscription data", false)
	}

	for _, entry := range data.Entries {
		if entry.EntityType == "" || entry.EntityID == "" {
			return h.sendError(client, msg.ID, websocket.CodeValidation, "subscription entry missing entity type or id", false)
		}
		if subscribe {
			client.Subscriptions.Add(entry.EntityType, entry.EntityID)
		} else {
			client.Subscriptions.Remove(entry.EntityType, entry.EntityID)
		}
	}

	return h.reply(client, msg.ID, msg.Type, &data)
}

func (h *WebSocketMessageHandler) handleSyncRequest(client *websocket.Client, msg *websocket.Message) error {
	var change domain.Change
	if err := msg.UnmarshalData(&change); err != nil {
		return h.sendError(client, msg.ID, websocket.CodeValidation, "malformed change", false)
	}
	if change.DeviceID == "" {
		change.DeviceID = client.DeviceID
	}

	coordinator := h.registry.Coordinator(client.UserID)
	if coordinator == nil {
		return h.sendError(client, msg.ID, websocket.CodeConnection, "server shutting down", true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	result, err := coordinator.Submit(ctx, &change)
	if err != nil {
		switch {
		case sync.IsValidation(err):
			return h.sendError(client, msg.ID, websocket.CodeValidation, err.Error(), false)
		case sync.IsTransient(err):
			return h.sendError(client, msg.ID, websocket.CodeTransient, err.Error(), true)
		case errors.Is(err, sync.ErrStopped):
			return h.sendError(client, msg.ID, websocket.CodeConnection, "coordinator stopped", true)
		default:
			return h.sendError(client, msg.ID, websocket.CodeInternal, err.Error(), true)
		}
	}

	if result.Conflict != nil {
		return h.reply(client, msg.ID, websocket.TypeSyncConflict, result.Conflict)
	}
	return h.reply(client, msg.ID, websocket.TypeSyncResponse, result.Ack)
}

func (h *WebSocketMessageHandler) reply(client *websocket.Client, id string, msgType websocket.MessageType, data interface{}) error {
	msg, err := websocket.NewMessage(id, msgType, data)
	if err != nil {
		return err
	}
	return client.Manager.SendToClient(client.ID, msg)
}

func (h *WebSocketMessageHandler) sendError(client *websocket.Client, id, code, message string, retryable bool) error {
	return client.Manager.SendToClient(client.ID, websocket.NewErrorMessage(id, code, message, retryable))
}
