package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// CallRepository keeps call records in process memory
type CallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.CallRecord
	order []uuid.UUID
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.CallRecord)}
}

// Create stores a new call record
func (r *CallRepository) Create(_ context.Context, call *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return fmt.Errorf("failed to create call: duplicate id %s", call.CallID)
	}
	r.calls[call.CallID] = call.Clone()
	r.order = append(r.order, call.CallID)
	return nil
}

// CreateIfNoLive stores call unless the same caller already has a live call
// to the same callee, in which case that call is returned and nothing is
// stored
func (r *CallRepository) CreateIfNoLive(_ context.Context, call *domain.CallRecord, ringingSince time.Time) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.latestLocked(func(c *domain.CallRecord) bool {
		return c.FromUserID == call.FromUserID && c.ToUserID == call.ToUserID && live(c, ringingSince)
	})
	if existing != nil {
		return existing, nil
	}
	if _, exists := r.calls[call.CallID]; exists {
		return nil, fmt.Errorf("failed to create call: duplicate id %s", call.CallID)
	}
	r.calls[call.CallID] = call.Clone()
	r.order = append(r.order, call.CallID)
	return nil, nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

// UpdateStatus moves a call to status "to" only if it is currently in one of "from"
func (r *CallRepository) UpdateStatus(_ context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus, endedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return false, domain.ErrCallNotFound
	}
	for _, s := range from {
		if call.Status == s {
			call.Status = to
			if endedAt != nil {
				ended := *endedAt
				call.EndedAt = &ended
			}
			return true, nil
		}
	}
	return false, nil
}

// GetLatestLiveForUser returns the newest accepted call, or ringing call
// created after ringingSince, that userID takes part in
func (r *CallRepository) GetLatestLiveForUser(_ context.Context, userID uuid.UUID, ringingSince time.Time) (*domain.CallRecord, error) {
	return r.latest(func(c *domain.CallRecord) bool {
		return c.IsParticipant(userID) && live(c, ringingSince)
	}), nil
}

// ListStaleRinging returns ringing calls created before createdBefore, oldest first
func (r *CallRepository) ListStaleRinging(_ context.Context, createdBefore time.Time, limit int) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.CallRecord
	for _, id := range r.order {
		c := r.calls[id]
		if c.Status == domain.CallStatusRinging && c.CreatedAt.Before(createdBefore) {
			out = append(out, c.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *CallRepository) latest(match func(*domain.CallRecord) bool) *domain.CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestLocked(match)
}

func (r *CallRepository) latestLocked(match func(*domain.CallRecord) bool) *domain.CallRecord {
	var best *domain.CallRecord
	for _, id := range r.order {
		c := r.calls[id]
		if match(c) && (best == nil || !c.CreatedAt.Before(best.CreatedAt)) {
			best = c
		}
	}
	return best.Clone()
}

func live(c *domain.CallRecord, ringingSince time.Time) bool {
	switch c.Status {
	case domain.CallStatusAccepted:
		return true
	case domain.CallStatusRinging:
		return !c.CreatedAt.Before(ringingSince)
	}
	return false
}
