package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*Relay, *room.Registry, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rooms := room.New(st)
	return New(rooms, st), rooms, st
}

func TestRelayConfinedToRoomParticipants(t *testing.T) {
	relay, rooms, st := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm, err := rooms.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumVideo, "a")
	require.NoError(t, err)

	msgs, unsub := st.Subscribe(ctx, UserTopic("b"))
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	err = relay.Relay(ctx, "a", rm.ID, "b", domain.SignalEnvelope{
		Kind:    domain.SignalOffer,
		Payload: []byte("sdp-offer"),
	})
	require.NoError(t, err)

	select {
	case <-msgs:
	case <-time.After(time.Second):
		t.Fatal("expected relayed signal on b's topic")
	}
}

func TestRelayRejectsNonParticipant(t *testing.T) {
	relay, rooms, _ := newTestRelay(t)
	ctx := context.Background()

	rm, err := rooms.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumVideo, "a")
	require.NoError(t, err)

	err = relay.Relay(ctx, "a", rm.ID, "intruder", domain.SignalEnvelope{
		Kind:    domain.SignalOffer,
		Payload: []byte("x"),
	})
	assert.Equal(t, domain.KindNotAuthorized, domain.KindOf(err))
}

func TestRelayRejectsOversizedPayload(t *testing.T) {
	relay, rooms, _ := newTestRelay(t)
	ctx := context.Background()

	rm, err := rooms.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumVideo, "a")
	require.NoError(t, err)

	oversized := make([]byte, domain.MaxSignalPayloadBytes+1)
	err = relay.Relay(ctx, "a", rm.ID, "b", domain.SignalEnvelope{
		Kind:    domain.SignalCandidate,
		Payload: oversized,
	})
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestRelayDroppedAfterRoomDestroyed(t *testing.T) {
	relay, rooms, _ := newTestRelay(t)
	ctx := context.Background()

	rm, err := rooms.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumVideo, "a")
	require.NoError(t, err)

	_, err = rooms.Destroy(ctx, rm.ID, "leave")
	require.NoError(t, err)

	err = relay.Relay(ctx, "a", rm.ID, "b", domain.SignalEnvelope{
		Kind:    domain.SignalAnswer,
		Payload: []byte("x"),
	})
	assert.Equal(t, domain.KindNotAuthorized, domain.KindOf(err))
}
