package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/session"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *Engine
	auth   *session.Authority
	rooms  *room.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auth := session.New(st, "a-test-secret-that-is-long-enough-123456")
	rooms := room.New(st)
	return &harness{engine: New(st, auth, rooms), auth: auth, rooms: rooms}
}

func (h *harness) newLiveSession(t *testing.T, ctx context.Context) domain.SessionID {
	t.Helper()
	issued, err := h.auth.Issue(ctx)
	require.NoError(t, err)
	return issued.SessionID
}

func TestEnqueueSymmetricPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.newLiveSession(t, ctx)
	b := h.newLiveSession(t, ctx)

	outA, err := h.engine.Enqueue(ctx, a, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)
	assert.False(t, outA.Matched)

	outB, err := h.engine.Enqueue(ctx, b, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)
	require.True(t, outB.Matched)
	assert.Equal(t, a, outB.Peer)
	assert.True(t, outB.Initiator)

	ra, err := h.rooms.Resolve(ctx, a)
	require.NoError(t, err)
	rb, err := h.rooms.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, outB.Room.ID, ra)
	assert.Equal(t, outB.Room.ID, rb)
	assert.Equal(t, b, outB.Room.Initiator)
}

func TestEnqueueCrossIntentHireFreelance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.newLiveSession(t, ctx)
	b := h.newLiveSession(t, ctx)

	_, err := h.engine.Enqueue(ctx, a, domain.IntentHire, domain.MediumVideo)
	require.NoError(t, err)

	out, err := h.engine.Enqueue(ctx, b, domain.IntentFreelance, domain.MediumVideo)
	require.NoError(t, err)
	assert.True(t, out.Matched)
	assert.Equal(t, a, out.Peer)
}

func TestEnqueueDoesNotCrossHireWithHire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.newLiveSession(t, ctx)
	b := h.newLiveSession(t, ctx)

	_, err := h.engine.Enqueue(ctx, a, domain.IntentHire, domain.MediumVideo)
	require.NoError(t, err)

	out, err := h.engine.Enqueue(ctx, b, domain.IntentHire, domain.MediumVideo)
	require.NoError(t, err)
	assert.False(t, out.Matched)
}

func TestEnqueueRejectsUnknownIntentAndMedium(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.newLiveSession(t, ctx)

	_, err := h.engine.Enqueue(ctx, a, domain.Intent("nonsense"), domain.MediumChat)
	assert.ErrorIs(t, err, domain.ErrUnknownIntent)

	_, err = h.engine.Enqueue(ctx, a, domain.IntentCasual, domain.Medium("audio"))
	assert.ErrorIs(t, err, domain.ErrUnknownMedium)
}

func TestWithdrawRestoresQueueLength(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.newLiveSession(t, ctx)

	before, err := h.engine.store.LLen(ctx, queueKey(domain.IntentCasual, domain.MediumChat))
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, a, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)

	require.NoError(t, h.engine.Withdraw(ctx, a))

	after, err := h.engine.store.LLen(ctx, queueKey(domain.IntentCasual, domain.MediumChat))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStaleCandidateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.newLiveSession(t, ctx)
	b := h.newLiveSession(t, ctx)
	c := h.newLiveSession(t, ctx)

	_, err := h.engine.Enqueue(ctx, a, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)
	require.NoError(t, h.auth.Touch(ctx, a))

	// Force a's record to look stale by deleting it outright (simulates TTL
	// expiry, which Load reports as AuthFailure and the scan discards).
	require.NoError(t, h.engine.store.Delete(ctx, "session:"+string(a)))

	_, err = h.engine.Enqueue(ctx, b, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)

	out, err := h.engine.Enqueue(ctx, c, domain.IntentCasual, domain.MediumChat)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, b, out.Peer)
}
