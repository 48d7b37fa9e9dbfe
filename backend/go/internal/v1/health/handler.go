// Package health exposes the liveness/readiness endpoints (§6 GET /health).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
	"go.uber.org/zap"
)

// Handler serves liveness/readiness probes.
type Handler struct {
	store     *store.Store
	startedAt time.Time
}

// NewHandler constructs a Handler bound to the Shared State Store, the
// service's only external dependency worth checking.
func NewHandler(st *store.Store) *Handler {
	return &Handler{store: st, startedAt: time.Now()}
}

// LivenessResponse is the liveness probe response.
type LivenessResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ReadinessResponse is the readiness probe response.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Liveness returns 200 if the process is alive, with no dependency
// checks. GET /health/live.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status: "ok",
		Uptime: time.Since(h.startedAt).String(),
	})
}

// Readiness returns 200 only if the Shared State Store is reachable.
// GET /health/ready.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"store": h.checkStore(ctx)}

	status := "ready"
	statusCode := http.StatusOK
	if checks["store"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{Status: status, Checks: checks})
}

// Health is the GET /health endpoint named in §6: {status, uptime}. It
// performs no dependency check; Readiness is the one that probes the store.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if err := h.store.Ping(ctx); err != nil {
		logging.GetLogger().Error("store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
