// Package client is the device side of the sync protocol: one long-lived
// websocket per device, a pending-request map keyed by envelope id, and a
// liveness probe. It satisfies the offline queue's Submitter so a drain
// replays straight through it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	gosync "sync"
	"time"

	"woodshed-sync-server/internal/domain"
	"woodshed-sync-server/internal/sync"
	"woodshed-sync-server/internal/websocket"

	ws "github.com/gorilla/websocket"
)

// ErrClosed is returned for requests made after the connection died.
var ErrClosed = errors.New("sync client closed")

const defaultPingInterval = 30 * time.Second

type Options struct {
	URL          string
	Token        string
	DeviceID     string
	DeviceName   string
	PingInterval time.Duration
	OnBroadcast  func(*domain.Event)
}

type Client struct {
	conn *ws.Conn
	opts Options

	writeMu gosync.Mutex

	pendingMu gosync.Mutex
	pending   map[string]chan *websocket.Message

	quit      chan struct{}
	closeOnce gosync.Once

	SessionID string
}

// Dial connects, authenticates via the bearer token and completes the
// CONNECT handshake before returning.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)

	conn, resp, err := ws.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("connection rejected: invalid token")
		}
		return nil, fmt.Errorf("failed to dial sync server: %w", err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[string]chan *websocket.Message),
		quit:    make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	reply, err := c.roundTrip(ctx, websocket.TypeConnect, &websocket.ConnectData{
		DeviceID:   opts.DeviceID,
		DeviceName: opts.DeviceName,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect handshake failed: %w", err)
	}

	var session websocket.SessionData
	if err := reply.UnmarshalData(&session); err != nil {
		c.Close()
		return nil, fmt.Errorf("malformed connect reply: %w", err)
	}
	c.SessionID = session.SessionID

	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}

// Submit sends one change and waits for its acknowledgment, conflict or
// error. Implements the offline drain's Submitter.
func (c *Client) Submit(ctx context.Context, change *domain.Change) (*sync.Result, error) {
	reply, err := c.roundTrip(ctx, websocket.TypeSyncRequest, change)
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case websocket.TypeSyncResponse:
		var ack domain.Ack
		if err := reply.UnmarshalData(&ack); err != nil {
			return nil, fmt.Errorf("malformed ack: %w", err)
		}
		return &sync.Result{Ack: &ack}, nil

	case websocket.TypeSyncConflict:
		var record domain.ConflictRecord
		if err := reply.UnmarshalData(&record); err != nil {
			return nil, fmt.Errorf("malformed conflict: %w", err)
		}
		return &sync.Result{Conflict: &record}, nil

	case websocket.TypeError:
		return nil, errorFromEnvelope(reply)

	default:
		return nil, fmt.Errorf("unexpected reply type %s", reply.Type)
	}
}

// Subscribe registers interest in broadcasts for the given entities.
// EntityID "*" covers every entity of a type.
func (c *Client) Subscribe(ctx context.Context, entries ...websocket.SubscriptionEntry) error {
	reply, err := c.roundTrip(ctx, websocket.TypeSubscribe, &websocket.SubscribeData{Entries: entries})
	if err != nil {
		return err
	}
	if reply.Type == websocket.TypeError {
		return errorFromEnvelope(reply)
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, entries ...websocket.SubscriptionEntry) error {
	reply, err := c.roundTrip(ctx, websocket.TypeUnsubscribe, &websocket.SubscribeData{Entries: entries})
	if err != nil {
		return err
	}
	if reply.Type == websocket.TypeError {
		return errorFromEnvelope(reply)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msgType websocket.MessageType, data interface{}) (*websocket.Message, error) {
	msg, err := websocket.NewMessage("", msgType, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *websocket.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-c.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(msg *websocket.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		var msg websocket.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.quit:
			default:
				log.Printf("sync client read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case websocket.TypeBroadcast:
			if c.opts.OnBroadcast != nil {
				var event domain.Event
				if err := msg.UnmarshalData(&event); err != nil {
					log.Printf("malformed broadcast: %v", err)
					continue
				}
				c.opts.OnBroadcast(&event)
			}

		case websocket.TypePong:
			c.deliver(&msg)

		default:
			c.deliver(&msg)
		}
	}
}

func (c *Client) deliver(msg *websocket.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// pingLoop sends the application-level liveness probe; the server closes
// sessions silent for twice this interval.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg, err := websocket.NewMessage("", websocket.TypePing, nil)
			if err != nil {
				continue
			}
			if err := c.write(msg); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func errorFromEnvelope(msg *websocket.Message) error {
	if msg.Error == nil {
		return errors.New("server error")
	}
	switch msg.Error.Code {
	case websocket.CodeValidation:
		return &sync.ValidationError{Reason: msg.Error.Message}
	case websocket.CodeTransient:
		return &sync.TransientError{Err: errors.New(msg.Error.Message)}
	default:
		return errors.New(msg.Error.Message)
	}
}
