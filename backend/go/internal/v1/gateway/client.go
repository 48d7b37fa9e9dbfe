// Package gateway implements the Connection Gateway (§4.E): long-lived
// client connections, the per-connection command dispatch, and the
// process-local attachment registry that bridges client transports to
// the Queue Engine, Room Registry, Signaling Relay, and Safety Layer.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

// connState is the per-connection state machine named in the redesign
// notes (§9): unauthenticated → authenticated → idle → queued → paired →
// tearing-down. Authentication happens during the upgrade handshake, so
// a Client is always constructed already authenticated.
type connState int

const (
	stateAuthenticated connState = iota
	stateIdle
	stateQueued
	statePaired
	stateTearingDown
)

const (
	writeWait      = 10 * time.Second
	pongWait       = domain.ConnectionIdleTimeout
	pingPeriod     = domain.HeartbeatInterval
	maxMessageSize = domain.MaxSignalPayloadBytes + 4096
)

// wsConnection is the subset of *websocket.Conn a Client depends on,
// narrowed so tests can substitute a fake transport.
type wsConnection interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetReadLimit(int64)
	SetPongHandler(func(string) error)
}

// envelope is the wire shape for every message exchanged over the
// connection, inbound or outbound: a named event plus its JSON payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client owns one attached session's transport. It has no knowledge of
// matchmaking semantics; it reads commands off the wire, hands them to
// the Hub, and writes whatever the Hub queues back out.
type Client struct {
	conn      wsConnection
	hub       *Hub
	sessionID domain.SessionID
	connID    domain.ConnectionID

	mu    sync.RWMutex
	state connState
	room  domain.RoomID

	send         chan []byte
	prioritySend chan []byte
	closeOnce    sync.Once
	closed       bool
}

func newClient(hub *Hub, conn wsConnection, sessionID domain.SessionID, connID domain.ConnectionID) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		sessionID:    sessionID,
		connID:       connID,
		state:        stateAuthenticated,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 256),
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) currentRoom() domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) setRoom(r domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = r
}

// close shuts down both outbound channels exactly once. Safe to call
// from readPump, writePump, or the hub's forced-disconnect path.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
		c.conn.Close()
	})
}

// emit queues an outbound event. Priority events (matched, signal,
// error, auth-error) use a separate buffered channel so a burst of
// chatty low-priority traffic (stats) can never starve them.
func (c *Client) emit(event string, data any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	raw, err := marshalEnvelope(event, data)
	if err != nil {
		logging.GetLogger().Error("gateway: marshal outbound envelope",
			zap.String("event", event), zap.Error(err))
		return
	}

	ch := c.send
	if isPriorityEvent(event) {
		ch = c.prioritySend
	}

	select {
	case ch <- raw:
	default:
		logging.GetLogger().Warn("gateway: outbound channel full, dropping message",
			zap.String("sessionId", string(c.sessionID)), zap.String("event", event))
	}
}

// deliverRaw forwards an already-encoded envelope (received from the
// Shared State Store's pub/sub) straight onto the appropriate channel,
// without re-marshaling it.
func (c *Client) deliverRaw(event string, raw []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	ch := c.send
	if isPriorityEvent(event) {
		ch = c.prioritySend
	}
	select {
	case ch <- raw:
	default:
		logging.GetLogger().Warn("gateway: outbound channel full, dropping relayed message",
			zap.String("sessionId", string(c.sessionID)), zap.String("event", event))
	}
}

func isPriorityEvent(event string) bool {
	switch event {
	case eventMatched, eventSignal, eventError, eventAuthError:
		return true
	default:
		return false
	}
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

// readPump decodes inbound envelopes and hands them to the Hub's
// dispatcher until the transport errors out or is closed.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c, "read_error")
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.emit(eventError, errorPayload{Message: "malformed message"})
			continue
		}

		c.hub.dispatch(c, env)
	}
}

// writePump drains the priority channel ahead of the normal channel and
// sends a ping on every pingPeriod tick to keep the heartbeat alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		// A pending priority message is always written before the
		// normal channel is considered.
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
