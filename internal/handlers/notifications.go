package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/IamMattHenry/salemate-notify/internal/fanout"
	"github.com/IamMattHenry/salemate-notify/internal/middleware"
	"github.com/IamMattHenry/salemate-notify/internal/realtime"
	"github.com/IamMattHenry/salemate-notify/pkg/errors"
	"github.com/IamMattHenry/salemate-notify/pkg/response"
)

// NotificationHandler exposes HTTP endpoints for the notification engine.
type NotificationHandler struct {
	engine   *fanout.Engine
	streamer *realtime.Streamer
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(engine *fanout.Engine, streamer *realtime.Streamer) (*NotificationHandler, error) {
	if engine == nil {
		return nil, fmt.Errorf("notification handler: engine is required")
	}
	return &NotificationHandler{engine: engine, streamer: streamer}, nil
}

// List returns the recent notifications visible to the current recipient.
func (h *NotificationHandler) List(c *gin.Context) {
	recipientID := c.GetString(middleware.CtxRecipientIDKey)
	if recipientID == "" {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	items, err := h.engine.ComputeVisible(requestContext(c), recipientID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// ListUnread returns the current recipient's unread notifications.
func (h *NotificationHandler) ListUnread(c *gin.Context) {
	recipientID := c.GetString(middleware.CtxRecipientIDKey)
	if recipientID == "" {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	items, err := h.engine.ComputeUnread(requestContext(c), recipientID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"unread_count": len(items),
		"unread":       items,
	})
}

// MarkRead acknowledges a single notification for the current recipient.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	recipientID := c.GetString(middleware.CtxRecipientIDKey)
	if recipientID == "" {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if err := h.engine.MarkRead(requestContext(c), recipientID, id); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"read": true})
}

// MarkAllRead acknowledges every unread notification for the current
// recipient in one atomic operation.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	recipientID := c.GetString(middleware.CtxRecipientIDKey)
	if recipientID == "" {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	count, err := h.engine.MarkAllRead(requestContext(c), recipientID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": count})
}

// Submit accepts a notification draft from an internal event source.
func (h *NotificationHandler) Submit(c *gin.Context) {
	var payload struct {
		Kind     string         `json:"kind" validate:"required,max=32"`
		Severity string         `json:"severity" validate:"omitempty,oneof=normal warning critical"`
		Message  string         `json:"message" validate:"required"`
		Module   string         `json:"module" validate:"required,max=64"`
		Route    string         `json:"route"`
		Audience string         `json:"audience" validate:"omitempty,oneof=broadcast targeted"`
		TargetID string         `json:"target_id"`
		Metadata map[string]any `json:"metadata"`
	}

	if !bindAndValidate(c, &payload) {
		return
	}

	view, err := h.engine.Submit(requestContext(c), fanout.Draft{
		Kind:     payload.Kind,
		Severity: payload.Severity,
		Message:  payload.Message,
		Module:   payload.Module,
		Route:    payload.Route,
		Audience: payload.Audience,
		TargetID: payload.TargetID,
		Metadata: payload.Metadata,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// GenerateTest stores a sample notification for the supplied kind. Ops aid.
func (h *NotificationHandler) GenerateTest(c *gin.Context) {
	var payload struct {
		Kind        string `json:"kind" validate:"required,max=32"`
		RecipientID string `json:"recipient_id"`
	}

	if !bindAndValidate(c, &payload) {
		return
	}

	view, err := h.engine.GenerateTest(requestContext(c), payload.Kind, payload.RecipientID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// Stream upgrades the connection to a WebSocket delivering live snapshots.
func (h *NotificationHandler) Stream(c *gin.Context) {
	if h.streamer == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	recipientID := c.GetString(middleware.CtxRecipientIDKey)
	if recipientID == "" {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	h.streamer.Serve(recipientID, c.Writer, c.Request)
}
