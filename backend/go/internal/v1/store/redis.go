// Package store implements the Shared State Store (§4.G): a thin,
// circuit-breaker-wrapped abstraction over Redis giving every other
// component key/value, hash, list, sorted-set, pub/sub, and
// transactional-pipeline primitives without leaking the redis client
// type into their APIs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Message is a pub/sub envelope delivered to a Subscribe handler.
type Message struct {
	Channel string
	Payload []byte
}

// Store wraps a Redis client with a circuit breaker so that transient
// Redis failures degrade individual operations rather than the process.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New dials Redis, verifies connectivity, and wires a circuit breaker
// whose state is exported as a metric (§4.G, §6).
func New(addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: initial connect failed: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.Set(stateVal)
			logging.GetLogger().Info("store circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Store{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client exposes the underlying redis client for operations (e.g.
// TxPipelined) that need direct access to the driver's pipeline API.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.StoreOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			return nil, fmt.Errorf("store: circuit open: %w", err)
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// --- Key/value ---

// Set stores value under key with an optional TTL (0 disables expiry).
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	_, err = s.execute(ctx, "set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// Get reads key into dest. Returns redis.Nil (via errors.Is) when absent.
func (s *Store) Get(ctx context.Context, key string, dest any) error {
	res, err := s.execute(ctx, "get", func() (interface{}, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(res.([]byte), dest)
}

// Delete removes one or more keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	_, err := s.execute(ctx, "del", func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.execute(ctx, "expire", func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// --- Hash ---

// HSet sets field-value pairs on a hash.
func (s *Store) HSet(ctx context.Context, key string, values map[string]any) error {
	_, err := s.execute(ctx, "hset", func() (interface{}, error) {
		return nil, s.client.HSet(ctx, key, values).Err()
	})
	return err
}

// HGet reads a single hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := s.execute(ctx, "hget", func() (interface{}, error) {
		return s.client.HGet(ctx, key, field).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// HGetAll reads every field on a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.execute(ctx, "hgetall", func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HIncrBy atomically increments an integer hash field and returns the
// post-increment value. Used by the Safety Layer for report counters.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	res, err := s.execute(ctx, "hincrby", func() (interface{}, error) {
		return s.client.HIncrBy(ctx, key, field, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// HDel removes fields from a hash.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.execute(ctx, "hdel", func() (interface{}, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// --- List (FIFO queues, §4.B) ---

// LPush prepends a value to a list.
func (s *Store) LPush(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal list member: %w", err)
	}
	_, err = s.execute(ctx, "lpush", func() (interface{}, error) {
		return nil, s.client.LPush(ctx, key, data).Err()
	})
	return err
}

// RPop pops the tail of a list into dest. Returns redis.Nil when empty.
func (s *Store) RPop(ctx context.Context, key string, dest any) error {
	res, err := s.execute(ctx, "rpop", func() (interface{}, error) {
		return s.client.RPop(ctx, key).Bytes()
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(res.([]byte), dest)
}

// LRem removes up to count occurrences of value from a list. A count of
// 0 removes all occurrences — used to withdraw a queue entry (§4.B).
func (s *Store) LRem(ctx context.Context, key string, count int64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal list member: %w", err)
	}
	_, err = s.execute(ctx, "lrem", func() (interface{}, error) {
		return nil, s.client.LRem(ctx, key, count, data).Err()
	})
	return err
}

// LLen returns the current length of a list.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(ctx, "llen", func() (interface{}, error) {
		return s.client.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Sorted set (sliding-window rate limiting, §4.F) ---

// ZAdd adds a member with the given score (a unix-nanosecond timestamp
// for the rate limiter's sliding window).
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.execute(ctx, "zadd", func() (interface{}, error) {
		return nil, s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZRemRangeByScore removes members scored within [min, max], evicting
// timestamps that have aged out of the window.
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	_, err := s.execute(ctx, "zremrangebyscore", func() (interface{}, error) {
		return nil, s.client.ZRemRangeByScore(ctx, key, min, max).Err()
	})
	return err
}

// ZCard returns the current cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(ctx, "zcard", func() (interface{}, error) {
		return s.client.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// ZRem removes a specific member, used to roll back a speculative ZAdd
// when a request is ultimately rejected.
func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	_, err := s.execute(ctx, "zrem", func() (interface{}, error) {
		return nil, s.client.ZRem(ctx, key, member).Err()
	})
	return err
}

// --- Pub/Sub ---

// Publish broadcasts payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.execute(ctx, "publish", func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe opens a channel subscription and delivers messages to out
// until ctx is cancelled. The caller owns the returned cancel func to
// unsubscribe cleanly during graceful shutdown (§5).
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan Message, func()) {
	pubsub := s.client.Subscribe(ctx, channel)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { pubsub.Close() }
}

// --- Transactional pipeline ---

// TxPipelined executes fn against a Redis transaction (MULTI/EXEC),
// used by the Room Registry to mint a room and update both
// participants' SessionToRoom entries atomically (§3, §4.C).
func (s *Store) TxPipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.execute(ctx, "tx_pipelined", func() (interface{}, error) {
		return s.client.TxPipelined(ctx, fn)
	})
	return err
}

// Ping verifies store connectivity for health checks (§6).
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
