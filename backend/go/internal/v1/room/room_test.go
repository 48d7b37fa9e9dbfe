package room

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st)
}

func TestMintReciprocity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	room, err := r.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumChat, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("a"), room.Initiator)

	ra, err := r.Resolve(ctx, "a")
	require.NoError(t, err)
	rb, err := r.Resolve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, room.ID, ra)
	assert.Equal(t, room.ID, rb)

	ok, err := r.Authorize(ctx, "a", room.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Authorize(ctx, "c", room.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMintConflictsOnExistingRoom(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumChat, "a")
	require.NoError(t, err)

	_, err = r.Mint(ctx, "a", "c", domain.IntentCasual, domain.MediumChat, "a")
	assert.ErrorIs(t, err, domain.ErrConflictingRoom)
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	room, err := r.Mint(ctx, "a", "b", domain.IntentCasual, domain.MediumChat, "a")
	require.NoError(t, err)

	participants, err := r.Destroy(ctx, room.ID, "leave")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.SessionID{"a", "b"}, participants[:])

	again, err := r.Destroy(ctx, room.ID, "leave")
	require.NoError(t, err)
	assert.Equal(t, [2]domain.SessionID{}, again)

	_, err = r.Lookup(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ra, err := r.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID(""), ra)
}

func TestLookupNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Lookup(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
