package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matchlink/signal/backend/go/internal/v1/domain"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"go.uber.org/zap"
)

const contextSessionIDKey = "gateway_session_id"

// AuthMiddleware resolves the bearer token on HTTP requests that
// require an authenticated session (reports) and stores the resulting
// session identifier in the gin context.
func (h *Hub) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}
		sessionID, err := h.auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		c.Set(contextSessionIDKey, sessionID)
		c.Next()
	}
}

// SessionInit handles `POST /api/session/init` (§6): mints a fresh
// anonymous session, rate-limited per network address.
func (h *Hub) SessionInit(c *gin.Context) {
	ctx := c.Request.Context()

	allowed, err := h.limiter.Allow(ctx, "issuance", c.ClientIP(), h.cfg.RateLimitIssuancePerMinute, time.Minute)
	if err != nil {
		logging.Warn(ctx, "gateway: issuance rate limiter degraded", zap.Error(err))
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"message": "rate limited"})
		return
	}

	issued, err := h.auth.Issue(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not issue session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": issued.SessionID,
		"token":     issued.Token,
		"expiresIn": issued.ExpiresIn,
	})
}

// SessionVerify handles `POST /api/session/verify` (§6).
func (h *Hub) SessionVerify(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	sessionID, err := h.auth.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "sessionId": sessionID})
}

type fileReportRequest struct {
	ReportedSessionID string `json:"reportedSessionId"`
	RoomID            string `json:"roomId"`
	Reason            string `json:"reason"`
	Details           string `json:"details"`
}

// FileReport handles `POST /api/reports` (§6, §4.F). The caller must be
// authenticated; self-reports are rejected with 400.
func (h *Hub) FileReport(c *gin.Context) {
	ctx := c.Request.Context()
	reporter := c.MustGet(contextSessionIDKey).(domain.SessionID)

	allowed, err := h.limiter.Allow(ctx, "reports", string(reporter), h.cfg.RateLimitReportsPerHour, time.Hour)
	if err != nil {
		logging.Warn(ctx, "gateway: reports rate limiter degraded", zap.Error(err))
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"message": "rate limited"})
		return
	}

	var req fileReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed request"})
		return
	}

	target := domain.SessionID(req.ReportedSessionID)
	outcome, err := h.reports.File(ctx, reporter, target, domain.RoomID(req.RoomID), domain.ReportReason(req.Reason), req.Details)
	if err != nil {
		if err == domain.ErrSelfReport {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not file report"})
		return
	}

	if outcome.ShouldAutoDisconnect {
		go h.scheduleAutoDisconnect(target)
	}

	c.JSON(http.StatusOK, gin.H{
		"reportId":             outcome.ReportID,
		"shouldAutoDisconnect": outcome.ShouldAutoDisconnect,
	})
}

// scheduleAutoDisconnect waits the UI-visible warning delay, then forces
// a leave on target if it is attached to this instance (§4.F). A target
// attached to a different instance is not reachable from here; each
// instance only controls connections it physically holds.
func (h *Hub) scheduleAutoDisconnect(target domain.SessionID) {
	time.Sleep(domain.AutoDisconnectWarningDelay)

	h.mu.RLock()
	client, ok := h.clients[target]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.detach(client, "auto_disconnect")
}

// RecentReports handles `GET /api/reports?status=` (§6).
func (h *Hub) RecentReports(c *gin.Context) {
	ctx := c.Request.Context()
	status := domain.ReportStatus(c.Query("status"))
	recent, err := h.reports.Recent(ctx, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not read reports"})
		return
	}
	c.JSON(http.StatusOK, recent)
}

// GetStats handles `GET /api/stats` (§6).
func (h *Hub) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Stats(c.Request.Context()))
}
