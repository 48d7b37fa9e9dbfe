// Package safety implements the Safety Layer (§4.F): a sorted-set
// sliding-window rate limiter and abuse-report ingestion with an
// auto-disconnect threshold.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter implements a sorted-set sliding window over the Shared State
// Store: scores are timestamps, the window evicts old scores on every
// check, and acceptance requires the pre-insertion cardinality to be
// below the limit (§4.F). Keys take the form `ratelimit:<bucket>:<identifier>`.
type Limiter struct {
	store *store.Store
	clock func() time.Time
}

// NewLimiter constructs a Limiter over the given store.
func NewLimiter(st *store.Store) *Limiter {
	return &Limiter{store: st, clock: time.Now}
}

func rateLimitKey(identifier string) string {
	return fmt.Sprintf("ratelimit:%s", identifier)
}

// Allow reports whether a request identified by identifier is permitted
// within limit occurrences per window. Each (bucket, identifier) pair has
// its own window. The evict/count/add/expire sequence runs as a single
// transactional pipeline, so concurrent callers for the same pair are
// serialized and each observes the adds of the ones before it
// (§4.F "atomicity uses a transactional pipeline").
// The add is speculative: it always happens inside the transaction, and
// is rolled back with a follow-up ZRem if the pre-add count turns out
// to have already reached limit, so a rejected request never counts
// against its own window. On store failure, the limiter fails open
// (allows the request) and the caller logs via the returned bool/err
// pair: err is non-nil only to carry the store failure for logging, the
// bucket decision (true) is already final.
func (l *Limiter) Allow(ctx context.Context, bucket, identifier string, limit int, window time.Duration) (bool, error) {
	metrics.RateLimitChecked.WithLabelValues(bucket).Inc()

	key := rateLimitKey(bucket + ":" + identifier)
	now := l.clock()
	member := uuid.NewString()

	var countCmd *redis.IntCmd
	err := l.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
		countCmd = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return l.failOpen(bucket, "tx_pipelined", err)
	}

	count, err := countCmd.Result()
	if err != nil {
		return l.failOpen(bucket, "zcard", err)
	}

	if int(count) >= limit {
		metrics.RateLimitExceeded.WithLabelValues(bucket).Inc()
		if err := l.store.ZRem(ctx, key, member); err != nil {
			logging.GetLogger().Warn("rate limiter rollback failed",
				zap.String("bucket", bucket), zap.Error(err))
		}
		return false, nil
	}

	return true, nil
}

func (l *Limiter) failOpen(bucket, op string, err error) (bool, error) {
	logging.GetLogger().Warn("rate limiter store failure, failing open",
		zap.String("bucket", bucket), zap.String("op", op), zap.Error(err))
	return true, domain.Wrap(domain.KindStoreUnavailable, "rate limit "+op, err)
}
