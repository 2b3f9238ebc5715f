package notification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/pagination"
	"peercall-backend/pkg/response"
)

// Handler handles notification HTTP requests
type Handler struct {
	notificationService *notification.Service
}

// NewHandler creates a new notification handler
func NewHandler(notificationService *notification.Service) *Handler {
	return &Handler{
		notificationService: notificationService,
	}
}

// NotifyRequest represents a notification sent by one user to another
type NotifyRequest struct {
	ToUserID uuid.UUID `json:"to_user_id" binding:"required"`
	Kind     string    `json:"kind" binding:"required,oneof=missed_call"`
	Message  string    `json:"message" binding:"required,max=500"`
	CallID   uuid.UUID `json:"call_id"`
}

// NotificationsResponse is a page of notifications
type NotificationsResponse struct {
	Notifications []*domain.Notification `json:"notifications"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// Notify stores a notification for another user and pushes it to their devices
// POST /v1/notifications
func (h *Handler) Notify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	n, err := h.notificationService.Send(c.Request.Context(), &notification.SendInput{
		To:      req.ToUserID,
		From:    userID,
		Kind:    req.Kind,
		Message: req.Message,
		CallID:  req.CallID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, n)
}

// GetNotifications retrieves user's notifications
// GET /v1/notifications
func (h *Handler) GetNotifications(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	page, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	result, err := h.notificationService.ListForUser(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if result == nil {
		result = []*domain.Notification{}
	}

	response.Success(c, http.StatusOK, NotificationsResponse{
		Notifications: result,
		Limit:         page.Limit,
		Offset:        page.Offset,
	})
}
