package call

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/pkg/response"
)

// Handler handles call record and mailbox HTTP requests
type Handler struct {
	calls   *callrecord.Service
	mailbox *mailbox.Service
}

// NewHandler creates a new call handler
func NewHandler(calls *callrecord.Service, mailbox *mailbox.Service) *Handler {
	return &Handler{
		calls:   calls,
		mailbox: mailbox,
	}
}

// CreateCallRequest represents call creation request
type CreateCallRequest struct {
	ToUserID uuid.UUID       `json:"to_user_id" binding:"required"`
	CallType domain.CallType `json:"call_type" binding:"required,oneof=audio video"`
}

// SetStatusRequest represents a call status change
type SetStatusRequest struct {
	Status domain.CallStatus `json:"status" binding:"required,oneof=accepted rejected ended"`
}

// SetStatusResponse reports the record after a status change and whether
// the change was applied
type SetStatusResponse struct {
	Call    *domain.CallRecord `json:"call"`
	Applied bool               `json:"applied"`
}

// ActiveCallResponse wraps the caller's live call, null when there is none
type ActiveCallResponse struct {
	Call *domain.CallRecord `json:"call"`
}

// SendSignalRequest represents a mailbox append
type SendSignalRequest struct {
	Type domain.SignalType `json:"type" binding:"required"`
	Data json.RawMessage   `json:"data" binding:"required"`
}

// SignalsResponse is a call's full mailbox
type SignalsResponse struct {
	Signals []*domain.SignalMessage `json:"signals"`
}

// CreateCall places a call
// POST /v1/calls
func (h *Handler) CreateCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	call, err := h.calls.CreateCall(c.Request.Context(), userID, req.ToUserID, req.CallType)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// GetActiveCall returns the caller's live call
// GET /v1/calls/active
func (h *Handler) GetActiveCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	call, err := h.calls.ActiveCallFor(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, ActiveCallResponse{Call: call})
}

// GetCall retrieves a call record
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	call, ok := h.participantCall(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, call)
}

// SetStatus accepts, rejects or ends a call
// POST /v1/calls/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	call, applied, err := h.calls.SetCallStatus(c.Request.Context(), callID, userID, req.Status)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, SetStatusResponse{Call: call, Applied: applied})
}

// SendSignal appends an offer, answer or candidate to the call's mailbox
// POST /v1/calls/:id/signals
func (h *Handler) SendSignal(c *gin.Context) {
	call, ok := h.participantCall(c)
	if !ok {
		return
	}

	var req SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _ := middleware.UserID(c)
	msg, err := h.mailbox.Send(c.Request.Context(), call.CallID, req.Type, req.Data, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, msg)
}

// ListSignals returns the call's mailbox in order
// GET /v1/calls/:id/signals
func (h *Handler) ListSignals(c *gin.Context) {
	call, ok := h.participantCall(c)
	if !ok {
		return
	}

	signals, err := h.mailbox.List(c.Request.Context(), call.CallID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if signals == nil {
		signals = []*domain.SignalMessage{}
	}

	response.Success(c, http.StatusOK, SignalsResponse{Signals: signals})
}

// participantCall loads the :id call for the authenticated participant,
// writing the error response itself when it cannot
func (h *Handler) participantCall(c *gin.Context) (*domain.CallRecord, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return nil, false
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return nil, false
	}

	call, err := h.calls.GetCallForUser(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	return call, true
}
