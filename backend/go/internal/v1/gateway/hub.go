package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matchlink/signal/backend/go/internal/v1/config"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/queue"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/safety"
	"github.com/matchlink/signal/backend/go/internal/v1/session"
	"github.com/matchlink/signal/backend/go/internal/v1/signaling"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"go.uber.org/zap"
)

// Hub owns the set of connections attached to this process and wires
// inbound commands to the matchmaking components. It holds no
// matchmaking state of its own beyond process-local, best-effort
// counters (§5 Shared-resource policy).
type Hub struct {
	auth    *session.Authority
	queue   *queue.Engine
	rooms   *room.Registry
	relay   *signaling.Relay
	limiter *safety.Limiter
	reports *safety.Reports
	store   *store.Store
	cfg     *config.Config

	allowedOrigins []string

	mu      sync.RWMutex
	clients map[domain.SessionID]*Client

	shuttingDown atomic.Bool

	totalConnections atomic.Int64
	todayConnections atomic.Int64
	activeRoomsLocal atomic.Int64
}

// Deps bundles the components a Hub dispatches commands to.
type Deps struct {
	Auth    *session.Authority
	Queue   *queue.Engine
	Rooms   *room.Registry
	Relay   *signaling.Relay
	Limiter *safety.Limiter
	Reports *safety.Reports
	Store   *store.Store
	Config  *config.Config
}

// NewHub constructs a Hub from its component dependencies.
func NewHub(d Deps) *Hub {
	origins := []string{}
	if d.Config.AllowedOrigins != "" {
		for _, o := range strings.Split(d.Config.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	return &Hub{
		auth:           d.Auth,
		queue:          d.Queue,
		rooms:          d.Rooms,
		relay:          d.Relay,
		limiter:        d.Limiter,
		reports:        d.Reports,
		store:          d.Store,
		cfg:            d.Config,
		allowedOrigins: origins,
		clients:        make(map[domain.SessionID]*Client),
	}
}

// ServeWs upgrades the HTTP request to a long-lived connection,
// authenticates it with the token presented in the `auth` handshake
// (query parameter, for transports that cannot set custom headers
// during the upgrade), and attaches the resulting Client (§4.E).
func (h *Hub) ServeWs(c *gin.Context) {
	if h.shuttingDown.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "shutting down"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}

	sessionID, err := h.auth.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.auth.Load(ctx, sessionID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "unknown session"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "gateway: websocket upgrade failed", zap.Error(err))
		return
	}

	h.handleConnection(conn, sessionID)
}

func validateOrigin(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// handleConnection binds a fresh transport to sessionID: it records the
// connection identifier, subscribes to the session's cross-instance
// topic, and starts the read/write pumps (§4.E attach).
func (h *Hub) handleConnection(conn wsConnection, sessionID domain.SessionID) {
	connID := domain.ConnectionID(uuid.NewString())
	client := newClient(h, conn, sessionID, connID)

	ctx := context.Background()
	if err := h.auth.SetConnection(ctx, sessionID, connID); err != nil {
		logging.Error(ctx, "gateway: set connection binding", zap.Error(err))
	}
	if err := h.auth.Touch(ctx, sessionID); err != nil {
		logging.Error(ctx, "gateway: touch session on attach", zap.Error(err))
	}

	h.mu.Lock()
	h.clients[sessionID] = client
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.todayConnections.Add(1)
	metrics.IncConnection()

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, _ := h.store.Subscribe(subCtx, signaling.UserTopic(sessionID))
	go h.forward(client, msgs)

	client.mu.Lock()
	client.state = stateIdle
	client.mu.Unlock()

	go func() {
		client.writePump()
		cancel()
	}()
	client.readPump()
}

// forward relays cross-instance events published on the session's
// topic straight onto the client's outbound channel.
func (h *Hub) forward(client *Client, msgs <-chan store.Message) {
	for msg := range msgs {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			continue
		}
		client.deliverRaw(env.Event, msg.Payload)
	}
}

// publish wraps data in the standard envelope and publishes it on
// target's user topic, used for any peer-facing event regardless of
// which instance holds the peer's connection (§9 typed-bus redesign).
func (h *Hub) publish(ctx context.Context, target domain.SessionID, event string, data any) {
	raw, err := marshalEnvelope(event, data)
	if err != nil {
		logging.Error(ctx, "gateway: marshal published envelope", zap.Error(err))
		return
	}
	if err := h.store.Publish(ctx, signaling.UserTopic(target), raw); err != nil {
		logging.Error(ctx, "gateway: publish to session topic",
			zap.String("target", string(target)), zap.Error(err))
	}
}

// dispatch routes one decoded inbound envelope to its handler.
func (h *Hub) dispatch(c *Client, env envelope) {
	ctx := context.Background()
	if err := h.auth.Touch(ctx, c.sessionID); err != nil {
		logging.Error(ctx, "gateway: touch on command", zap.Error(err))
	}

	bucket, limit, window := h.bucketFor(env.Event)
	allowed, err := h.limiter.Allow(ctx, bucket, string(c.sessionID), limit, window)
	if err != nil {
		logging.Warn(ctx, "gateway: rate limiter degraded", zap.Error(err))
	}
	if !allowed {
		c.emit(eventError, errorPayload{Message: "rate limited"})
		return
	}

	switch env.Event {
	case cmdJoinQueue:
		h.handleJoinQueue(ctx, c, env.Data)
	case cmdNext:
		h.handleNext(ctx, c, env.Data)
	case cmdLeave:
		h.handleLeave(ctx, c, env.Data)
	case cmdSignal:
		h.handleSignal(ctx, c, env.Data)
	case cmdGetStats:
		h.handleGetStats(ctx, c)
	default:
		c.emit(eventError, errorPayload{Message: "unknown command"})
	}
}

func (h *Hub) bucketFor(event string) (bucket string, limit int, window time.Duration) {
	if event == cmdSignal {
		return "signal", h.cfg.RateLimitSignalsPerSecond, time.Second
	}
	return "default", h.cfg.RateLimitDefaultPerSecond, time.Second
}

func (h *Hub) handleJoinQueue(ctx context.Context, c *Client, data json.RawMessage) {
	var p joinQueuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.emit(eventError, errorPayload{Message: "malformed join-queue"})
		return
	}

	if c.currentRoom() != "" {
		c.emit(eventError, errorPayload{Message: domain.ErrConflictingRoom.Error()})
		return
	}

	intent := domain.Intent(p.Mode)
	medium := domain.Medium(p.ConnectionType)

	outcome, err := h.queue.Enqueue(ctx, c.sessionID, intent, medium)
	if err != nil {
		h.emitError(c, err)
		return
	}

	if !outcome.Matched {
		c.setState(stateQueued)
		c.emit(eventWaiting, nil)
		return
	}

	h.settleMatch(ctx, c, outcome)
}

// settleMatch notifies both the caller (directly, since its connection
// is local to this dispatch call) and the peer (via publish, since the
// peer may be attached to a different instance) of a new match.
func (h *Hub) settleMatch(ctx context.Context, c *Client, outcome queue.Outcome) {
	c.setState(statePaired)
	c.setRoom(outcome.Room.ID)
	h.activeRoomsLocal.Add(1)
	metrics.ActiveConnections.Set(float64(h.onlineCount()))

	if err := h.auth.SetRoom(ctx, c.sessionID, outcome.Room.ID); err != nil {
		logging.Error(ctx, "gateway: set session room on match", zap.Error(err))
	}
	if err := h.auth.SetRoom(ctx, outcome.Peer, outcome.Room.ID); err != nil {
		logging.Error(ctx, "gateway: set peer room on match", zap.Error(err))
	}

	c.emit(eventMatched, matchedPayload{
		RoomID:      string(outcome.Room.ID),
		PeerID:      string(outcome.Peer),
		IsInitiator: outcome.Initiator,
	})
	h.publish(ctx, outcome.Peer, eventMatched, matchedPayload{
		RoomID:      string(outcome.Room.ID),
		PeerID:      string(c.sessionID),
		IsInitiator: !outcome.Initiator,
	})
}

func (h *Hub) handleNext(ctx context.Context, c *Client, data json.RawMessage) {
	var p nextPayload
	_ = json.Unmarshal(data, &p)

	roomID := c.currentRoom()
	if p.RoomID != "" {
		roomID = domain.RoomID(p.RoomID)
	}
	h.teardownRoom(ctx, c, roomID, eventPeerSkipped)

	if p.Mode == "" || p.ConnectionType == "" {
		return
	}
	h.handleJoinQueue(ctx, c, data)
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, data json.RawMessage) {
	var p leavePayload
	_ = json.Unmarshal(data, &p)

	roomID := c.currentRoom()
	if p.RoomID != "" {
		roomID = domain.RoomID(p.RoomID)
	}
	h.teardownRoom(ctx, c, roomID, eventPeerLeft)
	if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
		logging.Error(ctx, "gateway: withdraw on leave", zap.Error(err))
	}
	c.setState(stateIdle)
}

// teardownRoom destroys the current room (if any), notifies the
// counterparty, and immediately attempts to rematch it with a new peer
// of the same intent/medium it was previously paired under — the
// rematch-on-counterparty-loss rule (§4.E).
func (h *Hub) teardownRoom(ctx context.Context, c *Client, roomID domain.RoomID, reason string) {
	if roomID == "" {
		return
	}
	rm, err := h.rooms.Lookup(ctx, roomID)
	if err != nil {
		c.setRoom("")
		return
	}

	destroyReason := "leave"
	if reason == eventPeerSkipped {
		destroyReason = "next"
	}
	if _, err := h.rooms.Destroy(ctx, roomID, destroyReason); err != nil {
		logging.Error(ctx, "gateway: destroy room", zap.Error(err))
	}
	h.activeRoomsLocal.Add(-1)
	c.setRoom("")
	if err := h.auth.SetRoom(ctx, c.sessionID, ""); err != nil {
		logging.Error(ctx, "gateway: clear session room", zap.Error(err))
	}

	peer := rm.Other(c.sessionID)
	if peer == "" {
		return
	}
	h.publish(ctx, peer, reason, gin.H{"roomId": string(roomID)})

	if err := h.auth.SetRoom(ctx, peer, ""); err != nil {
		logging.Error(ctx, "gateway: clear peer session room", zap.Error(err))
	}

	// The room records the initiator's intent; the other participant was
	// drawn from the initiator's target queue.
	peerIntent := rm.Intent
	if peer != rm.Initiator {
		peerIntent = domain.TargetIntent(rm.Intent)
	}
	outcome, err := h.queue.Enqueue(ctx, peer, peerIntent, rm.Medium)
	if err != nil {
		logging.Error(ctx, "gateway: rematch peer", zap.Error(err))
		return
	}
	if !outcome.Matched {
		return
	}

	h.activeRoomsLocal.Add(1)
	if err := h.auth.SetRoom(ctx, peer, outcome.Room.ID); err != nil {
		logging.Error(ctx, "gateway: set room on rematch", zap.Error(err))
	}
	if err := h.auth.SetRoom(ctx, outcome.Peer, outcome.Room.ID); err != nil {
		logging.Error(ctx, "gateway: set rematch peer room", zap.Error(err))
	}
	h.publish(ctx, peer, eventMatched, matchedPayload{
		RoomID:      string(outcome.Room.ID),
		PeerID:      string(outcome.Peer),
		IsInitiator: outcome.Initiator,
	})
	h.publish(ctx, outcome.Peer, eventMatched, matchedPayload{
		RoomID:      string(outcome.Room.ID),
		PeerID:      string(peer),
		IsInitiator: !outcome.Initiator,
	})
}

func (h *Hub) handleSignal(ctx context.Context, c *Client, data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.emit(eventError, errorPayload{Message: "malformed signal"})
		return
	}

	env := domain.SignalEnvelope{
		Kind:    domain.SignalKind(p.Signal.Kind),
		Payload: p.Signal.Payload,
		Source:  c.sessionID,
		Target:  domain.SessionID(p.TargetID),
		Room:    domain.RoomID(p.RoomID),
	}

	if err := h.relay.Relay(ctx, c.sessionID, env.Room, env.Target, env); err != nil {
		// Per §5 Leave-signal race: a signal to a destroyed/unauthorized
		// room is dropped silently, not surfaced as a client error.
		logging.Warn(ctx, "gateway: signal dropped", zap.Error(err))
		return
	}
}

func (h *Hub) handleGetStats(ctx context.Context, c *Client) {
	c.emit(eventStats, h.Stats(ctx))
}

func (h *Hub) emitError(c *Client, err error) {
	switch domain.KindOf(err) {
	case domain.KindAuthFailure:
		c.emit(eventAuthError, errorPayload{Message: err.Error()})
	default:
		c.emit(eventError, errorPayload{Message: err.Error()})
	}
}

// detach tears down a connection: best-effort leave semantics on the
// session's current room, clearing the connection binding only if it
// still matches (stale-socket rule), unsubscribing, and removing the
// client from the local registry. A detach whose Client has already
// been superseded by a newer connection for the same session (§4.E
// reconnect race, §8 invariant 6) leaves the registry entry, room and
// queue untouched; it only closes its own transport and makes the
// stale-checked binding clear, which is then a no-op. The room/queue
// state belongs to whichever connection is current, not to the stale
// one being torn down.
func (h *Hub) detach(c *Client, reason string) {
	c.setState(stateTearingDown)
	ctx := context.Background()

	h.mu.Lock()
	current := h.clients[c.sessionID] == c
	if current {
		delete(h.clients, c.sessionID)
	}
	h.mu.Unlock()

	if current {
		if roomID := c.currentRoom(); roomID != "" {
			h.teardownRoom(ctx, c, roomID, eventPeerLeft)
		}
		if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
			logging.Error(ctx, "gateway: withdraw on detach", zap.Error(err))
		}
	}
	if err := h.auth.ClearConnectionIfCurrent(ctx, c.sessionID, c.connID); err != nil {
		logging.Error(ctx, "gateway: clear connection on detach", zap.Error(err))
	}

	c.close()
}

func (h *Hub) onlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops accepting new connections, broadcasts a shutting-down
// notice, and gives attached clients a bounded deadline to drain before
// the caller closes the store connection (§5 Graceful shutdown).
func (h *Hub) Shutdown(ctx context.Context, drain time.Duration) {
	h.shuttingDown.Store(true)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.emit(eventShuttingDown, nil)
	}

	select {
	case <-ctx.Done():
	case <-time.After(drain):
	}
}

// Stats assembles the §6 `GET /api/stats` response. Online and
// connection counters are process-local approximations by design (§5
// Shared-resource policy); queue depths are read live from the store.
func (h *Hub) Stats(ctx context.Context) gin.H {
	byMode := map[string]int64{}
	var totalWaiting int64

	for intent := range domain.ValidIntents {
		for medium := range domain.ValidMediums {
			n, err := h.store.LLen(ctx, queue.Key(intent, medium))
			if err != nil {
				continue
			}
			byMode[string(intent)] += n
			totalWaiting += n
		}
	}

	return gin.H{
		"online":           h.onlineCount(),
		"totalConnections": h.totalConnections.Load(),
		"todayConnections": h.todayConnections.Load(),
		"byMode":           byMode,
		"realtime": gin.H{
			"activeRooms":   h.activeRoomsLocal.Load(),
			"waitingByMode": byMode,
			"totalWaiting":  totalWaiting,
		},
	}
}

