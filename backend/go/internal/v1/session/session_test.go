package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, "a-test-secret-that-is-long-enough-123456")
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, int(domain.SessionTTL.Seconds()), issued.ExpiresIn)

	id, err := a.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.SessionID, id)

	rec, err := a.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, 0, rec.ReportCount)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)

	tampered := issued.Token[:len(issued.Token)-1] + "x"
	_, err = a.Verify(tampered)
	assert.Error(t, err)
}

func TestVerifyUnknownSessionOnAbsentRecord(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)

	require.NoError(t, a.store.Delete(ctx, keyPrefix(issued.SessionID)))

	_, err = a.Load(ctx, issued.SessionID)
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestTouchExtendsLastSeen(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Touch(ctx, issued.SessionID))

	rec, err := a.Load(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.True(t, rec.LastSeen.After(rec.CreatedAt) || rec.LastSeen.Equal(rec.CreatedAt))
}

func TestBumpReportCount(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)

	n, err := a.BumpReportCount(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.BumpReportCount(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStaleSocketRuleIgnoresSupersededDetach(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	issued, err := a.Issue(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetConnection(ctx, issued.SessionID, "conn-1"))
	require.NoError(t, a.SetConnection(ctx, issued.SessionID, "conn-2"))

	// A late detach from the superseded conn-1 must be a no-op.
	require.NoError(t, a.ClearConnectionIfCurrent(ctx, issued.SessionID, "conn-1"))

	rec, err := a.Load(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("conn-2"), rec.ConnectionID)

	require.NoError(t, a.ClearConnectionIfCurrent(ctx, issued.SessionID, "conn-2"))
	rec, err = a.Load(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID(""), rec.ConnectionID)
}
