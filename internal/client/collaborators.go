package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/service/notification"
	apperrors "peercall-backend/pkg/errors"
)

// CallStore reads and changes call records
type CallStore struct {
	c *Client
}

// CreateCall places a call from the client's user to toUserID
func (s *CallStore) CreateCall(ctx context.Context, toUserID uuid.UUID, callType domain.CallType) (*domain.CallRecord, error) {
	var call domain.CallRecord
	body := map[string]any{"to_user_id": toUserID, "call_type": callType}
	if err := s.c.do(ctx, http.MethodPost, "/v1/calls", body, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves a call record
func (s *CallStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	var call domain.CallRecord
	if err := s.c.do(ctx, http.MethodGet, callPath(callID, ""), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// ActiveCall returns the client's live call, nil when there is none
func (s *CallStore) ActiveCall(ctx context.Context) (*domain.CallRecord, error) {
	var out struct {
		Call *domain.CallRecord `json:"call"`
	}
	if err := s.c.do(ctx, http.MethodGet, "/v1/calls/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Call, nil
}

// SetCallStatus changes a call's status. The service acts as the token's
// user, so actorID must be the client's own user.
func (s *CallStore) SetCallStatus(ctx context.Context, callID, actorID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, bool, error) {
	if actorID != s.c.userID {
		return nil, false, apperrors.ForbiddenError("client can only act as its own user")
	}

	var out struct {
		Call    *domain.CallRecord `json:"call"`
		Applied bool               `json:"applied"`
	}
	body := map[string]any{"status": status}
	if err := s.c.do(ctx, http.MethodPost, callPath(callID, "/status"), body, &out); err != nil {
		return nil, false, err
	}
	return out.Call, out.Applied, nil
}

// SubscribeCallRecord calls fn with the record now and after every change.
// nil means the ringing call went stale.
func (s *CallStore) SubscribeCallRecord(ctx context.Context, callID uuid.UUID, fn func(*domain.CallRecord)) (func(), error) {
	return s.c.subscribe(ctx, callPath(callID, "/ws"), func(f frame) {
		if f.Type == frameCall {
			fn(f.Call)
		}
	})
}

// SubscribeActiveCallsFor calls fn with the client's live call, nil when
// there is none, now and whenever it changes
func (s *CallStore) SubscribeActiveCallsFor(ctx context.Context, userID uuid.UUID, fn func(*domain.CallRecord)) (func(), error) {
	if userID != s.c.userID {
		return nil, apperrors.ForbiddenError("client can only watch its own calls")
	}
	return s.c.subscribe(ctx, "/v1/calls/active/ws", func(f frame) {
		fn(f.Call)
	})
}

// Mailbox reads and appends call signals
type Mailbox struct {
	c *Client
}

// Send appends a signal. fromUserID must be the client's own user.
func (m *Mailbox) Send(ctx context.Context, callID uuid.UUID, signalType domain.SignalType, data any, fromUserID uuid.UUID) (*domain.SignalMessage, error) {
	if fromUserID != m.c.userID {
		return nil, apperrors.ForbiddenError("client can only send as its own user")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.SignalInvalidError("signal data is not valid JSON")
	}

	var msg domain.SignalMessage
	body := map[string]any{"type": signalType, "data": json.RawMessage(payload)}
	if err := m.c.do(ctx, http.MethodPost, callPath(callID, "/signals"), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns the call's full mailbox in order
func (m *Mailbox) List(ctx context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error) {
	var out struct {
		Signals []*domain.SignalMessage `json:"signals"`
	}
	if err := m.c.do(ctx, http.MethodGet, callPath(callID, "/signals"), nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// Subscribe calls fn with the full mailbox now and after every append
func (m *Mailbox) Subscribe(ctx context.Context, callID uuid.UUID, fn func([]*domain.SignalMessage)) (func(), error) {
	return m.c.subscribe(ctx, callPath(callID, "/signals/ws"), func(f frame) {
		if f.Type == frameSignals {
			fn(f.Signals)
		}
	})
}

// Notifier sends notifications to other users
type Notifier struct {
	c *Client
}

// Send delivers a notification as the client's user
func (n *Notifier) Send(ctx context.Context, input *notification.SendInput) (*domain.Notification, error) {
	if input.From != uuid.Nil && input.From != n.c.userID {
		return nil, apperrors.ForbiddenError("client can only notify as its own user")
	}

	body := map[string]any{
		"to_user_id": input.To,
		"kind":       input.Kind,
		"message":    input.Message,
	}
	if input.CallID != uuid.Nil {
		body["call_id"] = input.CallID
	}

	var out domain.Notification
	if err := n.c.do(ctx, http.MethodPost, "/v1/notifications", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the client's notifications, newest first
func (n *Notifier) List(ctx context.Context) ([]*domain.Notification, error) {
	var out struct {
		Notifications []*domain.Notification `json:"notifications"`
	}
	if err := n.c.do(ctx, http.MethodGet, "/v1/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}
