package http

import (
	"context"
	"net/http"
	"strconv"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/core/services"
	"chatcall/internal/infrastructure/middleware"
	"chatcall/pkg/errors"
	"chatcall/pkg/utils"
	"chatcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HistoryLister is satisfied by services.HistoryService.
type HistoryLister interface {
	List(ctx context.Context, user domain.UserID, limit int) ([]domain.HistoryEntry, error)
}

// StatsSource is satisfied by services.MetricsService.
type StatsSource interface {
	Snapshot() domain.CallStats
}

type CallHandler struct {
	history      HistoryLister
	contacts     ports.ContactStore
	stats        StatsSource
	defaultLimit int
}

func NewCallHandler(history HistoryLister, contacts ports.ContactStore, stats StatsSource, defaultLimit int) *CallHandler {
	if defaultLimit <= 0 {
		defaultLimit = services.DefaultHistoryLimit
	}
	return &CallHandler{
		history:      history,
		contacts:     contacts,
		stats:        stats,
		defaultLimit: defaultLimit,
	}
}

var _ ports.HTTPHandler = (*CallHandler)(nil)

// SetupRoutes registers the call API on a group that already runs
// AuthMiddleware.
func (h *CallHandler) SetupRoutes(api gin.IRouter) {
	api.GET("/calls/history", h.ListHistory)
	api.GET("/calls/stats", h.GetStats)
	api.GET("/contacts/:id", h.GetContact)
	api.PUT("/contacts/me", h.UpdateMyContact)
}

type historyItem struct {
	domain.HistoryEntry
	DurationText string `json:"durationText,omitempty"`
}

func (h *CallHandler) ListHistory(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	limit := h.defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(errors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.history.List(c.Request.Context(), user, limit)
	if err != nil {
		c.Error(err)
		return
	}

	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		item := historyItem{HistoryEntry: e}
		if e.Duration > 0 {
			item.DurationText = utils.FormatDuration(e.Duration)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"calls": items,
		"count": len(items),
	})
}

func (h *CallHandler) GetContact(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateUserID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	contact, err := h.contacts.Lookup(c.Request.Context(), domain.UserID(id))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "contact directory unavailable", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact})
}

type contactRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	AvatarURL   string `json:"avatar_url"`
}

func (h *CallHandler) UpdateMyContact(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	contact, err := contactFromRequest(string(user), req.DisplayName, req.AvatarURL)
	if err != nil {
		c.Error(err)
		return
	}
	if err := h.contacts.Put(c.Request.Context(), contact); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "failed to store contact", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact})
}

func (h *CallHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.stats.Snapshot()})
}
