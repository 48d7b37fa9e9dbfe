package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type payload struct{ Name string }
	require.NoError(t, s.Set(ctx, "k1", payload{Name: "a"}, time.Minute))

	var got payload
	require.NoError(t, s.Get(ctx, "k1", &got))
	assert.Equal(t, "a", got.Name)

	require.NoError(t, s.Delete(ctx, "k1"))
	err := s.Get(ctx, "k1", &got)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestHashOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h1", map[string]any{"count": 1, "name": "x"}))

	val, err := s.HGet(ctx, "h1", "name")
	require.NoError(t, err)
	assert.Equal(t, "x", val)

	n, err := s.HIncrBy(ctx, "h1", "count", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := s.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "3", all["count"])

	require.NoError(t, s.HDel(ctx, "h1", "name"))
	_, err = s.HGet(ctx, "h1", "name")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestListFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "q1", "first"))
	require.NoError(t, s.LPush(ctx, "q1", "second"))

	n, err := s.LLen(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var got string
	require.NoError(t, s.RPop(ctx, "q1", &got))
	assert.Equal(t, "first", got)

	require.NoError(t, s.LRem(ctx, "q1", 0, "second"))
	n, err = s.LLen(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSortedSetSlidingWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "rl:session", 100, "100"))
	require.NoError(t, s.ZAdd(ctx, "rl:session", 200, "200"))
	require.NoError(t, s.ZAdd(ctx, "rl:session", 300, "300"))

	card, err := s.ZCard(ctx, "rl:session")
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)

	require.NoError(t, s.ZRemRangeByScore(ctx, "rl:session", "-inf", "150"))
	card, err = s.ZCard(ctx, "rl:session")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, s.ZRem(ctx, "rl:session", "200"))
	card, err = s.ZCard(ctx, "rl:session")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestPublishSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, unsubscribe := s.Subscribe(ctx, "room:1")
	defer unsubscribe()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Publish(ctx, "room:1", []byte("hello")))

	select {
	case m := <-msgs:
		assert.Equal(t, "room:1", m.Channel)
		assert.Equal(t, "hello", string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestTxPipelined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "tx:a", `"1"`, 0)
		pipe.Set(ctx, "tx:b", `"2"`, 0)
		return nil
	})
	require.NoError(t, err)

	var a string
	require.NoError(t, s.Get(ctx, "tx:a", &a))
	assert.Equal(t, "1", a)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
