package health

import (
	"context"
	"net/http"
	"time"

	"attendance-service/common/metrics"

	"github.com/gin-gonic/gin"
)

// Checker is a dependency checked by the readiness endpoint.
type Checker interface {
	Ping(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	checks  map[string]Checker
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewHandler(checks map[string]Checker, m *metrics.Metrics) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 2 * time.Second,
		metrics: m,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready reports 503 until every dependency answers.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		start := time.Now()
		err := check.Ping(ctx)
		h.metrics.Health.RecordDependencyCheck(ctx, name, time.Since(start), err)

		if err != nil {
			ready = false
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not ready", Checks: results})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Checks: results})
}
