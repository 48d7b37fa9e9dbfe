package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/metrics"
	"github.com/matchlink/signal/backend/go/internal/v1/session"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
)

const reportsListKey = "reports:list"

func reportKey(id string) string {
	return fmt.Sprintf("report:%s", id)
}

func reportedCounterKey(target domain.SessionID) string {
	return fmt.Sprintf("reported:%s", target)
}

// ReportOutcome is returned from File and carries the auto-disconnect
// signal the Connection Gateway acts on (§4.F).
type ReportOutcome struct {
	ReportID             string
	ShouldAutoDisconnect bool
}

// Reports ingests abuse reports and tracks per-target counters used by
// the auto-disconnect rule.
type Reports struct {
	store *store.Store
	auth  *session.Authority
}

// NewReports constructs a Reports ingester over the given store and
// Session Authority.
func NewReports(st *store.Store, auth *session.Authority) *Reports {
	return &Reports{store: st, auth: auth}
}

// File accepts a report on an authenticated channel. Self-reports are
// rejected; a target's report counter (24h TTL) is incremented, and
// reaching the auto-disconnect threshold (3) flags the result (§4.F).
func (r *Reports) File(ctx context.Context, reporter, target domain.SessionID, roomID domain.RoomID, reason domain.ReportReason, detail string) (*ReportOutcome, error) {
	if reporter == target {
		return nil, domain.ErrSelfReport
	}

	id := uuid.NewString()
	rec := domain.Report{
		ID:        id,
		Reporter:  reporter,
		Target:    target,
		Room:      roomID,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now(),
		Status:    domain.ReportStatusPending,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, domain.Wrap(domain.KindFatal, "file report: marshal", err)
	}

	if err := r.store.Set(ctx, reportKey(id), rec, domain.ReportRetention); err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "file report: persist record", err)
	}
	if err := r.store.LPush(ctx, reportsListKey, json.RawMessage(data)); err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "file report: append list", err)
	}

	count, err := r.store.HIncrBy(ctx, reportedCounterKey(target), "count", 1)
	if err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "file report: bump counter", err)
	}
	if err := r.store.Expire(ctx, reportedCounterKey(target), domain.ReportCounterTTL); err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "file report: counter ttl", err)
	}
	// Also reflected on the session's own accumulated report count (§3, §4.A).
	if _, err := r.auth.BumpReportCount(ctx, target); err != nil {
		return nil, err
	}

	metrics.ReportsIngested.WithLabelValues(string(reason)).Inc()

	shouldDisconnect := count >= domain.AutoDisconnectThreshold
	if shouldDisconnect {
		metrics.AutoDisconnectsTotal.Inc()
	}

	return &ReportOutcome{ReportID: id, ShouldAutoDisconnect: shouldDisconnect}, nil
}

// Recent returns up to the last 100 filed reports, optionally filtered
// by status (§6 `GET /api/reports?status=`). Reads the list range
// directly rather than through the pop-based primitives so the call is
// non-destructive under concurrent readers.
func (r *Reports) Recent(ctx context.Context, status domain.ReportStatus) ([]domain.Report, error) {
	raw, err := r.store.Client().LRange(ctx, reportsListKey, 0, 99).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindStoreUnavailable, "recent reports: lrange", err)
	}

	out := make([]domain.Report, 0, len(raw))
	for _, item := range raw {
		var rec domain.Report
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}
