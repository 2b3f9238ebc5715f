package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
	"peercall-backend/pkg/sanitize"
)

// Repository persists notifications
type Repository interface {
	Create(ctx context.Context, notification *domain.NotificationCreate) (*domain.Notification, error)
	GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Notification, error)
	MarkPushed(ctx context.Context, notificationID uuid.UUID) error
}

// Pusher delivers a missed-call alert to the recipient's devices
type Pusher interface {
	SendMissedCall(ctx context.Context, missed *push.MissedCall, recipientID uuid.UUID) error
}

// Service handles notification business logic
type Service struct {
	repo    Repository
	pusher  Pusher
	metrics *metrics.Metrics
}

// NewService creates a new notification service. pusher and m may be nil.
func NewService(repo Repository, pusher Pusher, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		pusher:  pusher,
		metrics: m,
	}
}

// SendInput represents input for sending a notification
type SendInput struct {
	To      uuid.UUID
	From    uuid.UUID
	Kind    string
	Message string
	CallID  uuid.UUID
}

// Send stores a notification for the recipient and, for missed calls, pushes
// it to their devices. Push failures are logged, never returned.
func (s *Service) Send(ctx context.Context, input *SendInput) (*domain.Notification, error) {
	if input.To == uuid.Nil {
		return nil, apperrors.MissingFieldError("to")
	}
	if input.Kind == "" {
		return nil, apperrors.MissingFieldError("type")
	}
	message := sanitize.Text(input.Message, constants.MaxNotificationMessage)
	if message == "" {
		return nil, apperrors.MissingFieldError("message")
	}

	create := &domain.NotificationCreate{
		UserID:     input.To,
		FromUserID: input.From,
		Type:       input.Kind,
		Title:      titleFor(input.Kind),
		Body:       message,
	}
	if input.CallID != uuid.Nil {
		create.Data = map[string]interface{}{"call_id": input.CallID.String()}
	}

	n, err := s.repo.Create(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	s.metrics.RecordNotification(input.Kind)

	if s.pusher == nil || input.Kind != constants.NotificationKindMissedCall {
		return n, nil
	}

	err = s.pusher.SendMissedCall(ctx, &push.MissedCall{
		CallID:     input.CallID,
		FromUserID: input.From,
		Message:    message,
	}, input.To)
	s.metrics.RecordPushNotification(input.Kind, err)
	if err != nil {
		logger.Warn("Failed to push notification",
			zap.String("notification_id", n.NotificationID.String()),
			zap.String("user_id", input.To.String()),
			zap.Error(err))
		return n, nil
	}

	if err := s.repo.MarkPushed(ctx, n.NotificationID); err != nil {
		logger.Warn("Failed to mark notification pushed",
			zap.String("notification_id", n.NotificationID.String()),
			zap.Error(err))
	} else {
		n.IsPushed = true
	}

	return n, nil
}

// ListForUser retrieves a user's notifications, newest first
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	notifications, err := s.repo.GetByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications: %w", err)
	}
	return notifications, nil
}

func titleFor(kind string) string {
	switch kind {
	case constants.NotificationKindMissedCall:
		return "Missed Call"
	}
	return "Notification"
}
