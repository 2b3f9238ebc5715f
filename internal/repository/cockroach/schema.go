package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		call_id      UUID PRIMARY KEY,
		from_user_id UUID NOT NULL,
		to_user_id   UUID NOT NULL,
		call_type    STRING NOT NULL CHECK (call_type IN ('audio', 'video')),
		status       STRING NOT NULL CHECK (status IN ('ringing', 'accepted', 'rejected', 'ended')),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS calls_from_user_idx ON calls (from_user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS calls_to_user_idx ON calls (to_user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS calls_status_idx ON calls (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS calls_pair_idx ON calls (from_user_id, to_user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		notification_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id         UUID NOT NULL,
		from_user_id    UUID NOT NULL,
		type            STRING NOT NULL,
		title           STRING NOT NULL,
		body            STRING NOT NULL,
		data            JSONB,
		is_read         BOOL NOT NULL DEFAULT false,
		is_pushed       BOOL NOT NULL DEFAULT false,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC)`,
}

// EnsureSchema creates the call and notification tables if they are missing
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
