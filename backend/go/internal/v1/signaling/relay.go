// Package signaling implements the Signaling Relay (§4.D): forwards
// typed WebRTC control messages between the two participants of a room,
// oblivious to their contents, using the Shared State Store's pub/sub
// for cross-instance delivery on the topic `user:<session>`.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
)

func userTopic(session domain.SessionID) string {
	return fmt.Sprintf("user:%s", session)
}

// UserTopic returns the pub/sub topic a Connection Gateway instance
// subscribes to on behalf of an attached session (§4.D).
func UserTopic(session domain.SessionID) string { return userTopic(session) }

// wireEnvelope is the JSON shape published on a user topic. Any event
// the gateway needs to fan out cross-instance (matched, peer-left,
// peer-skipped, signal) is wrapped the same way so a single subscriber
// loop can dispatch on Event.
type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay validates authorization against the Room Registry and
// publishes validated envelopes on the target's user topic for
// cross-instance delivery.
type Relay struct {
	rooms *room.Registry
	store *store.Store
}

// New constructs a Relay bound to the given Room Registry and store.
func New(rooms *room.Registry, st *store.Store) *Relay {
	return &Relay{rooms: rooms, store: st}
}

// Relay requires authorize(source, room) and authorize(target, room);
// on success it delivers the envelope to whichever Connection Gateway
// instance holds target's connection via the `user:<target>` pub/sub
// topic (§4.D). Delivery is best-effort, at-most-once.
func (r *Relay) Relay(ctx context.Context, source domain.SessionID, roomID domain.RoomID, target domain.SessionID, env domain.SignalEnvelope) error {
	if len(env.Payload) > domain.MaxSignalPayloadBytes {
		metrics.SignalsRelayed.WithLabelValues(string(env.Kind), "rejected_too_large").Inc()
		return domain.ErrPayloadTooLarge
	}
	if !domain.ValidSignalKinds[env.Kind] {
		metrics.SignalsRelayed.WithLabelValues(string(env.Kind), "rejected_unknown_kind").Inc()
		return domain.NewError(domain.KindInvalidArgument, "unknown signal kind")
	}

	okSource, err := r.rooms.Authorize(ctx, source, roomID)
	if err != nil {
		return err
	}
	okTarget, err := r.rooms.Authorize(ctx, target, roomID)
	if err != nil {
		return err
	}
	if !okSource || !okTarget {
		metrics.SignalsRelayed.WithLabelValues(string(env.Kind), "rejected_unauthorized").Inc()
		return domain.NewError(domain.KindNotAuthorized, "not a participant of this room")
	}

	data, err := json.Marshal(struct {
		Kind    domain.SignalKind `json:"kind"`
		Payload []byte            `json:"payload"`
		From    domain.SessionID  `json:"fromId"`
		Room    domain.RoomID     `json:"roomId"`
	}{Kind: env.Kind, Payload: env.Payload, From: source, Room: roomID})
	if err != nil {
		return domain.Wrap(domain.KindFatal, "relay: marshal envelope", err)
	}

	wire, err := json.Marshal(wireEnvelope{Event: "signal", Data: data})
	if err != nil {
		return domain.Wrap(domain.KindFatal, "relay: marshal wire envelope", err)
	}

	if err := r.store.Publish(ctx, userTopic(target), wire); err != nil {
		metrics.SignalsRelayed.WithLabelValues(string(env.Kind), "store_error").Inc()
		return domain.Wrap(domain.KindStoreUnavailable, "relay: publish", err)
	}

	metrics.SignalsRelayed.WithLabelValues(string(env.Kind), "delivered").Inc()
	return nil
}
