package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/internal/domain"
)

// NotificationRepository stores missed-call notifications
type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `notification_id, user_id, from_user_id, type, title, body, data, is_read, is_pushed, created_at`

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(&n.NotificationID, &n.UserID, &n.FromUserID, &n.Type, &n.Title,
		&n.Body, &n.Data, &n.IsRead, &n.IsPushed, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *NotificationRepository) Create(ctx context.Context, in *domain.NotificationCreate) (*domain.Notification, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO notifications (user_id, from_user_id, type, title, body, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+notificationColumns,
		in.UserID, in.FromUserID, in.Type, in.Title, in.Body, in.Data)
	n, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// GetByUserID pages through a user's notifications, newest first
func (r *NotificationRepository) GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	out := []*domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) MarkPushed(ctx context.Context, notificationID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `UPDATE notifications SET is_pushed = true WHERE notification_id = $1`, notificationID); err != nil {
		return fmt.Errorf("failed to mark notification pushed: %w", err)
	}
	return nil
}
