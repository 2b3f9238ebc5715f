package cassandra

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// signalTableDDL keeps each call's mailbox in one partition, clustered in
// creation order. Rows expire after a day: a mailbox outlives its call only
// as history nobody reads.
const signalTableDDL = `
	CREATE TABLE IF NOT EXISTS call_signals (
		call_id      uuid,
		created_at   timestamp,
		signal_id    uuid,
		type         text,
		from_user_id uuid,
		data         text,
		PRIMARY KEY ((call_id), created_at, signal_id)
	) WITH CLUSTERING ORDER BY (created_at ASC, signal_id ASC)
	  AND default_time_to_live = 86400
`

// EnsureSchema creates the call_signals table if it is missing
func EnsureSchema(session *gocql.Session) error {
	if err := session.Query(signalTableDDL).Exec(); err != nil {
		return fmt.Errorf("failed to create call_signals table: %w", err)
	}
	return nil
}

// SignalRepository stores call mailboxes in Cassandra
type SignalRepository struct {
	session *gocql.Session
}

// NewSignalRepository creates a new SignalRepository
func NewSignalRepository(session *gocql.Session) *SignalRepository {
	return &SignalRepository{session: session}
}

// Append inserts a signal into its call's mailbox
func (r *SignalRepository) Append(ctx context.Context, msg *domain.SignalMessage) error {
	query := `
		INSERT INTO call_signals (
			call_id, created_at, signal_id, type, from_user_id, data
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(msg.CallID),
		msg.CreatedAt,
		gocql.UUID(msg.SignalID),
		string(msg.Type),
		gocql.UUID(msg.FromUserID),
		string(msg.Data),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}

	return nil
}

// ListByCall returns every signal for a call in creation order
func (r *SignalRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error) {
	query := `
		SELECT created_at, signal_id, type, from_user_id, data
		FROM call_signals
		WHERE call_id = ?
	`

	iter := r.session.Query(query, gocql.UUID(callID)).WithContext(ctx).Iter()

	var (
		signals    []*domain.SignalMessage
		signalID   gocql.UUID
		fromUserID gocql.UUID
		sigType    string
		data       string
	)
	for {
		msg := &domain.SignalMessage{CallID: callID}
		if !iter.Scan(&msg.CreatedAt, &signalID, &sigType, &fromUserID, &data) {
			break
		}
		msg.SignalID = uuid.UUID(signalID)
		msg.FromUserID = uuid.UUID(fromUserID)
		msg.Type = domain.SignalType(sigType)
		msg.Data = json.RawMessage(data)
		signals = append(signals, msg)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch signals: %w", err)
	}

	domain.SortSignals(signals)
	return signals, nil
}
