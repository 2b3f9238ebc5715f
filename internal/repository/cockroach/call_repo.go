package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/internal/domain"
)

const callColumns = `call_id, from_user_id, to_user_id, call_type, status, created_at, ended_at`

// CallRepository handles call record operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// maxCreateAttempts bounds retries of a create transaction that lost a
// serialization conflict
const maxCreateAttempts = 3

// CreateIfNoLive inserts call unless the same caller already has a live call
// to the same callee, in which case that call is returned and nothing is
// inserted. The check and the insert share one serializable transaction, so
// of two concurrent creates for a pair at most one commits.
func (r *CallRepository) CreateIfNoLive(ctx context.Context, call *domain.CallRecord, ringingSince time.Time) (*domain.CallRecord, error) {
	var existing *domain.CallRecord
	create := func(tx pgx.Tx) error {
		var err error
		existing, err = queryOptional(ctx, tx, liveBetweenQuery, call.FromUserID, call.ToUserID, ringingSince)
		if err != nil || existing != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO calls (
				call_id, from_user_id, to_user_id, call_type, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6)
		`,
			call.CallID,
			call.FromUserID,
			call.ToUserID,
			string(call.CallType),
			string(call.Status),
			call.CreatedAt,
		)
		return err
	}

	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, create)
		if !retryable(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}
	return existing, nil
}

// retryable reports a transaction restart requested by the database
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// UpdateStatus moves a call to status "to" only if its current status is one
// of "from". It reports whether a row changed.
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus, endedAt *time.Time) (bool, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = COALESCE($3, ended_at)
		WHERE call_id = $1 AND status = ANY($4)
	`

	tag, err := r.pool.Exec(ctx, query, callID, string(to), endedAt, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("failed to update call status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish a refused transition from a missing call
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE call_id = $1)`, callID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check call: %w", err)
	}
	if !exists {
		return false, domain.ErrCallNotFound
	}
	return false, nil
}

// GetLatestLiveForUser returns the newest accepted call, or ringing call created
// at or after ringingSince, that the user takes part in. Nil when there is none.
func (r *CallRepository) GetLatestLiveForUser(ctx context.Context, userID uuid.UUID, ringingSince time.Time) (*domain.CallRecord, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE (from_user_id = $1 OR to_user_id = $1)
		  AND (status = 'accepted' OR (status = 'ringing' AND created_at >= $2))
		ORDER BY created_at DESC
		LIMIT 1
	`
	return queryOptional(ctx, r.pool, query, userID, ringingSince)
}

// liveBetweenQuery selects the newest live call placed by $1 to $2
const liveBetweenQuery = `
	SELECT ` + callColumns + `
	FROM calls
	WHERE from_user_id = $1 AND to_user_id = $2
	  AND (status = 'accepted' OR (status = 'ringing' AND created_at >= $3))
	ORDER BY created_at DESC
	LIMIT 1
`

// ListStaleRinging returns ringing calls created before createdBefore, oldest first
func (r *CallRepository) ListStaleRinging(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.CallRecord, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE status = 'ringing' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryOptional(ctx context.Context, q querier, query string, args ...any) (*domain.CallRecord, error) {
	call, err := scanCall(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query call: %w", err)
	}
	return call, nil
}

func scanCall(row pgx.Row) (*domain.CallRecord, error) {
	var (
		call     domain.CallRecord
		callType string
		status   string
	)
	err := row.Scan(
		&call.CallID,
		&call.FromUserID,
		&call.ToUserID,
		&callType,
		&status,
		&call.CreatedAt,
		&call.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	return &call, nil
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
