// Package room implements the Room Registry (§4.C): the active room
// records and the SessionToRoom mapping, mediated through the Shared
// State Store's transactional pipeline so a mint or destroy updates
// both participants' mappings atomically.
package room

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/redis/go-redis/v9"
)

func roomKey(id domain.RoomID) string {
	return fmt.Sprintf("match:%s", id)
}

func sessionRoomKey(id domain.SessionID) string {
	return fmt.Sprintf("session-room:%s", id)
}

// Registry implements mint/lookup/resolve/destroy/authorize.
type Registry struct {
	store *store.Store
}

// New constructs a Room Registry over the given store.
func New(st *store.Store) *Registry {
	return &Registry{store: st}
}

// Mint allocates a new room identifier (timestamp + random suffix),
// writes the Room record with a one-hour TTL, and sets SessionToRoom
// for both participants in a single transactional pipeline (§4.C).
// Fails with ConflictingRoom if either participant already has a room.
func (r *Registry) Mint(ctx context.Context, a, b domain.SessionID, intent domain.Intent, medium domain.Medium, initiator domain.SessionID) (*domain.Room, error) {
	for _, s := range []domain.SessionID{a, b} {
		existing, err := r.Resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return nil, domain.ErrConflictingRoom
		}
	}

	id := newRoomID()
	room := domain.Room{
		ID:           id,
		Participants: [2]domain.SessionID{a, b},
		Initiator:    initiator,
		Intent:       intent,
		Medium:       medium,
		CreatedAt:    time.Now(),
	}

	err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(id), map[string]any{
			"participantA": string(a),
			"participantB": string(b),
			"initiator":    string(initiator),
			"intent":       string(intent),
			"medium":       string(medium),
			"createdAt":    room.CreatedAt.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, roomKey(id), domain.RoomTTL)
		pipe.Set(ctx, sessionRoomKey(a), string(id), domain.RoomTTL)
		pipe.Set(ctx, sessionRoomKey(b), string(id), domain.RoomTTL)
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "mint: tx pipeline", err)
	}

	metrics.ActiveRooms.Inc()
	return &room, nil
}

// Lookup returns the Room record or NotFound (§4.C).
func (r *Registry) Lookup(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	fields, err := r.store.HGetAll(ctx, roomKey(id))
	if err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "lookup", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeRoom(id, fields), nil
}

// Resolve returns the current room identifier for a session, or empty
// if it has none. This reads the raw session→room key directly rather
// than through Store.Get, since that key holds a bare room identifier
// string rather than a JSON-encoded value.
func (r *Registry) Resolve(ctx context.Context, session domain.SessionID) (domain.RoomID, error) {
	id, err := r.store.Client().Get(ctx, sessionRoomKey(session)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", domain.Wrap(domain.KindStoreUnavailable, "resolve", err)
	}
	return domain.RoomID(id), nil
}

// Destroy deletes the Room record and both SessionToRoom entries,
// returning the prior participant list. Idempotent: destroying an
// already-vanished room returns an empty list (§4.C).
func (r *Registry) Destroy(ctx context.Context, id domain.RoomID, reason string) ([2]domain.SessionID, error) {
	room, err := r.Lookup(ctx, id)
	if err != nil {
		if err == domain.ErrNotFound {
			return [2]domain.SessionID{}, nil
		}
		return [2]domain.SessionID{}, err
	}

	err = r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(id))
		pipe.Del(ctx, sessionRoomKey(room.Participants[0]))
		pipe.Del(ctx, sessionRoomKey(room.Participants[1]))
		return nil
	})
	if err != nil {
		return [2]domain.SessionID{}, domain.Wrap(domain.KindStoreUnavailable, "destroy: tx pipeline", err)
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomsDestroyed.WithLabelValues(reason).Inc()
	return room.Participants, nil
}

// Authorize reports whether SessionToRoom(session) equals room (§4.C).
func (r *Registry) Authorize(ctx context.Context, session domain.SessionID, room domain.RoomID) (bool, error) {
	current, err := r.Resolve(ctx, session)
	if err != nil {
		return false, err
	}
	return current == room && room != "", nil
}

func decodeRoom(id domain.RoomID, fields map[string]string) *domain.Room {
	room := &domain.Room{
		ID:        id,
		Intent:    domain.Intent(fields["intent"]),
		Medium:    domain.Medium(fields["medium"]),
		Initiator: domain.SessionID(fields["initiator"]),
	}
	room.Participants[0] = domain.SessionID(fields["participantA"])
	room.Participants[1] = domain.SessionID(fields["participantB"])
	if v, ok := fields["createdAt"]; ok {
		room.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return room
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newRoomID builds a timestamp-prefixed random suffix identifier; the
// negligible collision probability comes from the random component,
// not from uniqueness of the timestamp alone.
func newRoomID() domain.RoomID {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-", time.Now().UnixNano())
	for i := 0; i < 12; i++ {
		b.WriteByte(idAlphabet[rand.Intn(len(idAlphabet))])
	}
	return domain.RoomID(b.String())
}
