package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/metrics"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// Manager is the session registry: it owns the client map, fans coordinator
// events out to subscribed sessions and feeds inbound frames to the message
// handler. Sessions are looked up by id, never held by other sessions.
type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	metrics        *metrics.Metrics
}

func NewManager(maxConnPerUser int, maxMessageSize int64, writeWait, pongWait, pingPeriod time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: maxConnPerUser,
		maxMessageSize: maxMessageSize,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		metrics:        m,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		log.Printf("max connections reached for user %s", client.UserID)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	go m.dispatchLoop(client)

	if m.metrics != nil {
		m.metrics.ConnectedSessions.Add(1)
	}

	log.Printf("session registered: %s (user: %s, device: %s)", client.ID, client.UserID, client.DeviceID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.userIndex[client.UserID], client.ID)

		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}

		close(client.Send)
		close(client.inbound)

		if m.metrics != nil {
			m.metrics.ConnectedSessions.Add(-1)
		}

		log.Printf("session unregistered: %s", client.ID)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		log.Printf("malformed frame from %s: %v", clientMsg.Client.ID, err)
		m.sendMessage(clientMsg.Client, NewErrorMessage("", CodeConnection, "malformed frame", false))
		return
	}

	select {
	case clientMsg.Client.inbound <- &msg:
	default:
		m.sendMessage(clientMsg.Client, NewErrorMessage(msg.ID, CodeConnection, "session busy", true))
	}
}

// dispatchLoop handles one session's decoded messages. A submission stalled
// on the store holds up this session only.
func (m *Manager) dispatchLoop(client *Client) {
	for msg := range client.inbound {
		if m.messageHandler == nil {
			continue
		}
		if err := m.messageHandler.HandleWebSocketMessage(client, msg); err != nil {
			log.Printf("error handling %s message: %v", msg.Type, err)
		}
	}
}

// Broadcast delivers an applied change to every session of userID that
// subscribed to the entity, skipping the device it came from. Sessions with
// full buffers just miss it; they resync when they drain.
func (m *Manager) Broadcast(userID string, event *domain.Event) {
	msg, err := NewMessage("", TypeBroadcast, event)
	if err != nil {
		log.Printf("failed to build broadcast: %v", err)
		return
	}

	messageBytes, err := json.Marshal(msg)
	if err != nil {
		log.Printf("failed to encode broadcast: %v", err)
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	clientIDs, exists := m.userIndex[userID]
	if !exists {
		return
	}

	for clientID := range clientIDs {
		client := m.clients[clientID]
		if client.DeviceID == event.SourceDeviceID {
			continue
		}
		if !client.Subscriptions.Matches(string(event.EntityType), event.EntityID) {
			continue
		}

		select {
		case client.Send <- messageBytes:
		default:
			log.Printf("session %s send buffer full, dropping broadcast", clientID)
		}
	}
}

// SendToClient queues a message for one session.
func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		log.Printf("session %s send buffer full", clientID)
	}

	return nil
}

func (m *Manager) sendMessage(client *Client, message *Message) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case client.Send <- messageBytes:
	default:
	}
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}

// Sessions snapshots the live session records.
func (m *Manager) Sessions() []*domain.Session {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	sessions := make([]*domain.Session, 0, len(m.clients))
	for _, client := range m.clients {
		sessions = append(sessions, &domain.Session{
			SessionID:      client.ID,
			UserID:         client.UserID,
			DeviceID:       client.DeviceID,
			DeviceName:     client.DeviceName,
			ConnectedAt:    client.ConnectedAt,
			LastActivityAt: client.LastActivity(),
		})
	}
	return sessions
}
