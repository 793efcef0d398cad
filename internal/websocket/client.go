package websocket

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one device's connection session: it frames messages, relays
// broadcasts and enforces liveness. Authoritative state never lives here.
type Client struct {
	ID            string
	UserID        string
	DeviceID      string
	DeviceName    string
	ConnectedAt   time.Time
	Conn          *websocket.Conn
	Manager       *Manager
	Send          chan []byte
	Subscriptions *SubscriptionSet

	// inbound feeds this session's dispatch worker: messages stay ordered
	// per session but a stalled session never blocks another one.
	inbound chan *Message

	lastActivity atomic.Int64
}

func NewClient(id, userID, deviceID string, conn *websocket.Conn, manager *Manager) *Client {
	c := &Client{
		ID:            id,
		UserID:        userID,
		DeviceID:      deviceID,
		ConnectedAt:   time.Now(),
		Conn:          conn,
		Manager:       manager,
		Send:          make(chan []byte, 256),
		Subscriptions: NewSubscriptionSet(),
		inbound:       make(chan *Message, 16),
	}
	c.markActive()
	return c
}

func (c *Client) markActive() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the client last sent any frame.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ReadPump reads frames until the connection dies or stays silent past the
// pong wait. Any inbound traffic refreshes the deadline, so a client-level
// PING message keeps an otherwise quiet session alive.
func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.markActive()
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			break
		}

		c.markActive()
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))

		c.Manager.HandleMessage <- &ClientMessage{
			Client:  c,
			Message: message,
		}
	}
}

// WritePump drains the send channel and keeps the transport-level ping
// ticking. One writer per connection; everything else goes through Send.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
