// Package push exposes device token registration, so callees can be rung
// and told about missed calls while their app is in the background.
package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/internal/middleware"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
	"peercall-backend/pkg/response"
)

type Handler struct {
	push *push.Service
}

func NewHandler(svc *push.Service) *Handler {
	return &Handler{push: svc}
}

type registerTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

type unregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken handles POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req registerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	}
	if err := h.push.RegisterToken(c.Request.Context(), token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to register push token",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

// UnregisterToken handles DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req unregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	removed, err := h.push.UnregisterToken(c.Request.Context(), userID, req.Token)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to unregister push token",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}
