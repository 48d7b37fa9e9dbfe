// Package queue implements the Queue Engine (§4.B): per-(intent, medium)
// FIFO waiting sets with atomic pairing across horizontally scaled
// instances, mediated through the Shared State Store's list primitive.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/session"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
)

func queueKey(intent domain.Intent, medium domain.Medium) string {
	return fmt.Sprintf("queue:%s:%s", intent, medium)
}

// Key exposes the queue key for a given (intent, medium) pair so
// callers outside this package (the Connection Gateway's stats
// endpoint) can read queue depth without duplicating the naming scheme.
func Key(intent domain.Intent, medium domain.Medium) string {
	return queueKey(intent, medium)
}

// Outcome is the result of an enqueue call.
type Outcome struct {
	Matched   bool
	Room      *domain.Room
	Peer      domain.SessionID
	Initiator bool
}

// Engine implements enqueue/pair/withdraw against the Shared State
// Store's list primitive and the Room Registry.
type Engine struct {
	store *store.Store
	auth  *session.Authority
	rooms *room.Registry
}

// New constructs a Queue Engine bound to the given store, Session
// Authority (for liveness checks), and Room Registry (to mint rooms on
// a successful pairing).
func New(st *store.Store, auth *session.Authority, rooms *room.Registry) *Engine {
	return &Engine{store: st, auth: auth, rooms: rooms}
}

// Enqueue invokes pair first; on a miss it appends the caller to its
// own (intent, medium) queue. Callers must have already withdrawn the
// session from any queue it was previously in (§4.B invariant).
func (e *Engine) Enqueue(ctx context.Context, self domain.SessionID, intent domain.Intent, medium domain.Medium) (Outcome, error) {
	if !domain.ValidIntents[intent] {
		return Outcome{}, domain.ErrUnknownIntent
	}
	if !domain.ValidMediums[medium] {
		return Outcome{}, domain.ErrUnknownMedium
	}

	peer, r, err := e.pair(ctx, self, intent, medium)
	if err != nil {
		return Outcome{}, err
	}
	if r != nil {
		return Outcome{Matched: true, Room: r, Peer: peer, Initiator: true}, nil
	}

	if err := e.store.LPush(ctx, queueKey(intent, medium), string(self)); err != nil {
		return Outcome{}, domain.Wrap(domain.KindStoreUnavailable, "enqueue: lpush", err)
	}
	if err := e.auth.SetQueued(ctx, self, intent, medium, true); err != nil {
		return Outcome{}, err
	}
	e.reportDepth(ctx, intent, medium)
	return Outcome{Matched: false}, nil
}

// pair scans the target queue (determined by the pairing rule) from
// the front, popping and evaluating up to MaxPairScan candidates. It
// returns the winning peer and minted room, or (nil, nil) on exhaustion
// (§4.B).
func (e *Engine) pair(ctx context.Context, self domain.SessionID, intent domain.Intent, medium domain.Medium) (domain.SessionID, *domain.Room, error) {
	target := domain.TargetIntent(intent)
	key := queueKey(target, medium)

	for i := 0; i < domain.MaxPairScan; i++ {
		var candidateStr string
		if err := e.store.RPop(ctx, key, &candidateStr); err != nil {
			// Empty list or transient error: give up and let the caller enqueue.
			return "", nil, nil
		}
		candidate := domain.SessionID(candidateStr)

		if candidate == self {
			metrics.StaleCandidatesDiscarded.WithLabelValues(string(target), string(medium)).Inc()
			continue
		}

		rec, err := e.auth.Load(ctx, candidate)
		if err != nil {
			if domain.KindOf(err) == domain.KindAuthFailure {
				metrics.StaleCandidatesDiscarded.WithLabelValues(string(target), string(medium)).Inc()
				continue // unknown session: expired, discard
			}
			return "", nil, err
		}
		if !rec.IsLive(time.Now()) || rec.RoomID != "" {
			metrics.StaleCandidatesDiscarded.WithLabelValues(string(target), string(medium)).Inc()
			continue
		}

		r, err := e.rooms.Mint(ctx, candidate, self, intent, medium, self)
		if err != nil {
			if domain.KindOf(err) == domain.KindConflict {
				// Candidate raced us into a room via another instance.
				metrics.StaleCandidatesDiscarded.WithLabelValues(string(target), string(medium)).Inc()
				continue
			}
			return "", nil, err
		}
		if err := e.auth.SetQueued(ctx, candidate, "", "", false); err != nil {
			return "", nil, err
		}
		metrics.MatchesTotal.WithLabelValues(string(intent), string(medium)).Inc()
		e.reportDepth(ctx, target, medium)
		return candidate, r, nil
	}

	return "", nil, nil
}

// Withdraw removes self from whichever queue its session record says it
// is waiting in, per the spec's session-only `withdraw(session)`
// signature (§4.B). Looks the queue up from the session record itself
// rather than trusting a caller-supplied intent/medium, so a `leave` or
// a disconnect always clears the real queue entry instead of silently
// no-oping on a blank pair. Idempotent, and tolerant of duplicate
// entries.
func (e *Engine) Withdraw(ctx context.Context, self domain.SessionID) error {
	rec, err := e.auth.Load(ctx, self)
	if err != nil {
		if domain.KindOf(err) == domain.KindAuthFailure {
			return nil
		}
		return err
	}
	if !rec.InQueue || rec.QueueIntent == "" || rec.QueueMedium == "" {
		return nil
	}

	intent, medium := rec.QueueIntent, rec.QueueMedium
	if err := e.store.LRem(ctx, queueKey(intent, medium), 0, string(self)); err != nil {
		return domain.Wrap(domain.KindStoreUnavailable, "withdraw: lrem", err)
	}
	if err := e.auth.SetQueued(ctx, self, "", "", false); err != nil {
		return err
	}
	e.reportDepth(ctx, intent, medium)
	return nil
}

func (e *Engine) reportDepth(ctx context.Context, intent domain.Intent, medium domain.Medium) {
	n, err := e.store.LLen(ctx, queueKey(intent, medium))
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(string(intent), string(medium)).Set(float64(n))
}
