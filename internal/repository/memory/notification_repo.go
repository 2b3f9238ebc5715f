package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// NotificationRepository keeps notifications in process memory
type NotificationRepository struct {
	mu            sync.RWMutex
	notifications []*domain.Notification
}

// NewNotificationRepository creates an empty repository
func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{}
}

// Create stores a notification
func (r *NotificationRepository) Create(_ context.Context, in *domain.NotificationCreate) (*domain.Notification, error) {
	n := &domain.Notification{
		NotificationID: uuid.New(),
		UserID:         in.UserID,
		FromUserID:     in.FromUserID,
		Type:           in.Type,
		Title:          in.Title,
		Body:           in.Body,
		Data:           in.Data,
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()

	cp := *n
	return &cp, nil
}

// GetByUserID returns a user's notifications, newest first
func (r *NotificationRepository) GetByUserID(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Notification
	for i := len(r.notifications) - 1; i >= 0; i-- {
		if r.notifications[i].UserID == userID {
			cp := *r.notifications[i]
			out = append(out, &cp)
		}
	}
	if offset >= len(out) {
		return []*domain.Notification{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPushed flags a notification as delivered by push
func (r *NotificationRepository) MarkPushed(_ context.Context, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.notifications {
		if n.NotificationID == notificationID {
			n.IsPushed = true
			return nil
		}
	}
	return fmt.Errorf("notification not found")
}
