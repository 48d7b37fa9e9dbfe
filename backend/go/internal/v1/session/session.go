// Package session implements the Session Authority (§4.A): issuance and
// verification of short-lived anonymous identity tokens, and the
// session record lifecycle (touch, report-count bump) backed by the
// Shared State Store.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
)

// claims is the JWT payload signed with the process-wide shared secret.
// Unlike the teacher's JWKS-backed CustomClaims, verification here is
// pure HMAC — there is no external identity provider to call out to.
type claims struct {
	jwt.RegisteredClaims
}

// keyPrefix of a session hash record in the Shared State Store.
func keyPrefix(id domain.SessionID) string {
	return fmt.Sprintf("session:%s", id)
}

// Authority issues and verifies session tokens and mediates the session
// record's lifecycle. It holds no in-memory state; the store is the
// sole source of truth (§5, Shared-resource policy).
type Authority struct {
	secret []byte
	store  *store.Store
	ttl    time.Duration
}

// New constructs an Authority signing tokens with secret and persisting
// session records with the spec's 24h TTL (§3).
func New(st *store.Store, secret string) *Authority {
	return &Authority{secret: []byte(secret), store: st, ttl: domain.SessionTTL}
}

// Issued is the result of a successful issue call.
type Issued struct {
	SessionID domain.SessionID
	Token     string
	ExpiresIn int // seconds
}

// Issue mints a new anonymous session identifier, persists its record,
// and signs a bearer token over it. The rate limit on issuance (ten per
// minute per network address) is enforced by the caller (Safety Layer)
// before Issue is invoked.
func (a *Authority) Issue(ctx context.Context) (*Issued, error) {
	id := domain.SessionID(uuid.NewString())
	now := time.Now()

	record := domain.Session{
		ID:        id,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := a.persist(ctx, record); err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "issue: persist session", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})

	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return nil, domain.Wrap(domain.KindFatal, "issue: sign token", err)
	}

	return &Issued{SessionID: id, Token: signed, ExpiresIn: int(a.ttl.Seconds())}, nil
}

// Verify validates tok offline against the shared secret. It never
// touches the store; a caller that needs the full record calls Load
// afterward, which is where UnknownSession is detected (§4.A).
func (a *Authority) Verify(tok string) (domain.SessionID, error) {
	parsed, err := jwt.ParseWithClaims(tok, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", domain.ErrExpiredToken
		}
		return "", domain.Wrap(domain.KindAuthFailure, "verify: parse token", err)
	}
	if !parsed.Valid {
		return "", domain.ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return "", domain.ErrInvalidToken
	}
	return domain.SessionID(c.Subject), nil
}

// Load reads the session record, yielding UnknownSession if absent.
func (a *Authority) Load(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	fields, err := a.store.HGetAll(ctx, keyPrefix(id))
	if err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "load session", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrUnknownSession
	}
	return decodeRecord(id, fields), nil
}

// Touch refreshes last-seen and extends the record's TTL to 24h.
func (a *Authority) Touch(ctx context.Context, id domain.SessionID) error {
	now := time.Now()
	if err := a.store.HSet(ctx, keyPrefix(id), map[string]any{
		"lastSeen": now.Format(time.RFC3339Nano),
	}); err != nil {
		return domain.Wrap(domain.KindStoreUnavailable, "touch: hset", err)
	}
	if err := a.store.Expire(ctx, keyPrefix(id), a.ttl); err != nil {
		return domain.Wrap(domain.KindStoreUnavailable, "touch: expire", err)
	}
	return nil
}

// BumpReportCount atomically increments the session's accumulated
// report count and returns the new value (§4.A, §4.F).
func (a *Authority) BumpReportCount(ctx context.Context, id domain.SessionID) (int64, error) {
	n, err := a.store.HIncrBy(ctx, keyPrefix(id), "reportCount", 1)
	if err != nil {
		return 0, domain.Wrap(domain.KindStoreUnavailable, "bump report count", err)
	}
	return n, nil
}

// SetConnection binds connID to the session, implementing the
// stale-socket rule's write side (§4.E): the most recent attach always
// wins the binding.
func (a *Authority) SetConnection(ctx context.Context, id domain.SessionID, connID domain.ConnectionID) error {
	return a.hsetField(ctx, id, "connectionId", string(connID))
}

// ClearConnectionIfCurrent clears the session's connection binding only
// if it still equals connID, enforcing the stale-socket rule (§4.E,
// §5 Reconnect race): a late detach from a superseded transport must
// not undo a newer attach.
func (a *Authority) ClearConnectionIfCurrent(ctx context.Context, id domain.SessionID, connID domain.ConnectionID) error {
	rec, err := a.Load(ctx, id)
	if err != nil {
		if domain.KindOf(err) == domain.KindAuthFailure {
			return nil // already gone, nothing to clear
		}
		return err
	}
	if rec.ConnectionID != connID {
		return nil // superseded; silently ignored per the stale-socket rule
	}
	return a.hsetField(ctx, id, "connectionId", "")
}

// SetRoom records the session's current room identifier, or clears it
// when room is empty.
func (a *Authority) SetRoom(ctx context.Context, id domain.SessionID, room domain.RoomID) error {
	return a.hsetField(ctx, id, "roomId", string(room))
}

// SetQueued records the session's queue membership used for the "a
// session must not be present in any queue" invariant check (§4.B).
func (a *Authority) SetQueued(ctx context.Context, id domain.SessionID, intent domain.Intent, medium domain.Medium, queued bool) error {
	fields := map[string]any{
		"inQueue": fmt.Sprintf("%t", queued),
	}
	if queued {
		fields["queueIntent"] = string(intent)
		fields["queueMedium"] = string(medium)
	} else {
		fields["queueIntent"] = ""
		fields["queueMedium"] = ""
	}
	if err := a.store.HSet(ctx, keyPrefix(id), fields); err != nil {
		return domain.Wrap(domain.KindStoreUnavailable, "set queued", err)
	}
	return nil
}

func (a *Authority) hsetField(ctx context.Context, id domain.SessionID, field, value string) error {
	if err := a.store.HSet(ctx, keyPrefix(id), map[string]any{field: value}); err != nil {
		return domain.Wrap(domain.KindStoreUnavailable, "hset "+field, err)
	}
	return nil
}

func (a *Authority) persist(ctx context.Context, s domain.Session) error {
	fields := map[string]any{
		"createdAt":   s.CreatedAt.Format(time.RFC3339Nano),
		"lastSeen":    s.LastSeen.Format(time.RFC3339Nano),
		"reportCount": 0,
		"inQueue":     "false",
	}
	if err := a.store.HSet(ctx, keyPrefix(s.ID), fields); err != nil {
		return err
	}
	return a.store.Expire(ctx, keyPrefix(s.ID), a.ttl)
}

func decodeRecord(id domain.SessionID, fields map[string]string) *domain.Session {
	s := &domain.Session{ID: id}
	if v, ok := fields["createdAt"]; ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["lastSeen"]; ok {
		s.LastSeen, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["reportCount"]; ok {
		fmt.Sscanf(v, "%d", &s.ReportCount)
	}
	if v, ok := fields["connectionId"]; ok {
		s.ConnectionID = domain.ConnectionID(v)
	}
	if v, ok := fields["roomId"]; ok {
		s.RoomID = domain.RoomID(v)
	}
	if v, ok := fields["queueIntent"]; ok {
		s.QueueIntent = domain.Intent(v)
	}
	if v, ok := fields["queueMedium"]; ok {
		s.QueueMedium = domain.Medium(v)
	}
	if v, ok := fields["inQueue"]; ok {
		s.InQueue = v == "true"
	}
	return s
}
