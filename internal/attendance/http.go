package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"attendance-service/internal/auth"
	"attendance-service/internal/idempotency"
	"attendance-service/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 255
)

// IdempotencyStore remembers responses per Idempotency-Key.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (token string, stored *idempotency.Response, err error)
	Complete(ctx context.Context, key, token string, resp idempotency.Response) error
	Release(ctx context.Context, key, token string) error
}

type MarkAttendanceRequest struct {
	Status    string     `json:"status" validate:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

type MarkBulkAttendanceRequest struct {
	ChildIDs  []int      `json:"child_ids" validate:"required,min=1,dive,gt=0"`
	Status    string     `json:"status" validate:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

type MarkResponse struct {
	RecordID            int    `json:"record_id,omitempty"`
	RecordIDs           []int  `json:"record_ids"`
	SchoolID            int    `json:"school_id"`
	EventDate           string `json:"event_date"`
	CounterOutcome      string `json:"counter_outcome,omitempty"`
	CounterDeferred     bool   `json:"counter_deferred"`
	NotificationsQueued int    `json:"notifications_queued"`
}

type TodayResponse struct {
	SchoolID int    `json:"school_id"`
	Date     string `json:"date"`
	Count    int    `json:"count"`
}

type Handler struct {
	service  Service
	idem     IdempotencyStore
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler builds the HTTP layer. idem may be nil, which disables
// Idempotency-Key handling.
func NewHandler(service Service, idem IdempotencyStore, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:  service,
		idem:     idem,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/children/:id/attendance", h.MarkAttendance)
	router.POST("/schools/:id/attendance", h.MarkBulkAttendance)
	router.GET("/schools/:id/attendance/today", h.Today)
}

func (h *Handler) MarkAttendance(c *gin.Context) {
	childID, err := strconv.Atoi(c.Param("id"))
	if err != nil || childID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid child ID"})
		return
	}

	var req MarkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || h.validate.Struct(&req) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	h.withIdempotency(c, userID, func(ctx context.Context) (int, any, error) {
		res, err := h.service.MarkAttendance(ctx, MarkRequest{
			ChildID:   childID,
			Status:    req.Status,
			MarkedBy:  userID,
			Timestamp: deref(req.Timestamp),
		})
		if err != nil {
			return 0, nil, err
		}
		resp := newMarkResponse(res)
		resp.RecordID = res.RecordIDs[0]
		return statusFor(res), resp, nil
	})
}

func (h *Handler) MarkBulkAttendance(c *gin.Context) {
	schoolID, err := strconv.Atoi(c.Param("id"))
	if err != nil || schoolID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid school ID"})
		return
	}

	var req MarkBulkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || h.validate.Struct(&req) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	h.withIdempotency(c, userID, func(ctx context.Context) (int, any, error) {
		res, err := h.service.MarkBulkAttendance(ctx, BulkRequest{
			SchoolID:  schoolID,
			ChildIDs:  req.ChildIDs,
			Status:    req.Status,
			MarkedBy:  userID,
			Timestamp: deref(req.Timestamp),
		})
		if err != nil {
			return 0, nil, err
		}
		return statusFor(res), newMarkResponse(res), nil
	})
}

func (h *Handler) Today(c *gin.Context) {
	schoolID, err := strconv.Atoi(c.Param("id"))
	if err != nil || schoolID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid school ID"})
		return
	}

	snap, err := h.service.Today(c.Request.Context(), schoolID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, TodayResponse{
		SchoolID: snap.SchoolID,
		Date:     snap.Date.Format(time.DateOnly),
		Count:    snap.Count,
	})
}

// withIdempotency runs fn at most once per (user, route, Idempotency-Key).
// Completed keys replay the stored response; failed calls release the key.
func (h *Handler) withIdempotency(c *gin.Context, userID int, fn func(ctx context.Context) (int, any, error)) {
	ctx := c.Request.Context()
	key := c.GetHeader(IdempotencyHeader)

	if key == "" || h.idem == nil {
		status, body, err := fn(ctx)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(status, body)
		return
	}

	if len(key) > maxIdempotencyKey {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key too long"})
		return
	}

	scoped := fmt.Sprintf("%d:%s %s:%s", userID, c.Request.Method, c.Request.URL.Path, key)
	token, stored, err := h.idem.Begin(ctx, scoped)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "request with this Idempotency-Key is in progress"})
		return
	case err != nil:
		h.logger.WarnContext(ctx, "idempotency store unavailable, processing without it", "error", err)
		status, body, err := fn(ctx)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(status, body)
		return
	case stored != nil:
		h.metrics.RecordIdempotentReplay(ctx)
		c.Header(ReplayedHeader, "true")
		c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
		return
	}

	status, body, err := fn(ctx)
	if err != nil {
		if relErr := h.idem.Release(context.WithoutCancel(ctx), scoped, token); relErr != nil {
			h.logger.WarnContext(ctx, "failed to release idempotency key", "error", relErr)
		}
		h.handleServiceError(c, err)
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode response", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.idem.Complete(context.WithoutCancel(ctx), scoped, token, idempotency.Response{Status: status, Body: data}); err != nil {
		h.logger.WarnContext(ctx, "failed to store idempotent response", "error", err)
	}

	c.Data(status, "application/json; charset=utf-8", data)
}

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, ErrValidation):
		h.logger.InfoContext(ctx, "invalid attendance request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		h.logger.InfoContext(ctx, "attendance target not found", "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case IsRetryable(err):
		h.logger.WarnContext(ctx, "attendance store unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable", "retryable": true})
	default:
		h.logger.ErrorContext(ctx, "internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func newMarkResponse(res *Result) MarkResponse {
	return MarkResponse{
		RecordIDs:           res.RecordIDs,
		SchoolID:            res.SchoolID,
		EventDate:           res.EventDate.Format(time.DateOnly),
		CounterOutcome:      string(res.CounterOutcome),
		CounterDeferred:     res.CounterDeferred,
		NotificationsQueued: res.NotificationsQueued,
	}
}

// statusFor answers 202 when the record exists but the daily counter still
// owes the increment.
func statusFor(res *Result) int {
	if res.CounterDeferred {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
