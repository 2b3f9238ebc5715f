package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// SignalRepository keeps each call's mailbox as an append-only slice
type SignalRepository struct {
	mu      sync.RWMutex
	signals map[uuid.UUID][]*domain.SignalMessage
}

// NewSignalRepository creates an empty repository
func NewSignalRepository() *SignalRepository {
	return &SignalRepository{signals: make(map[uuid.UUID][]*domain.SignalMessage)}
}

// Append adds a message to its call's mailbox
func (r *SignalRepository) Append(_ context.Context, msg *domain.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *msg
	r.signals[msg.CallID] = append(r.signals[msg.CallID], &cp)
	return nil
}

// ListByCall returns a copy of the call's mailbox in creation order
func (r *SignalRepository) ListByCall(_ context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.signals[callID]
	out := make([]*domain.SignalMessage, len(stored))
	for i, msg := range stored {
		cp := *msg
		out[i] = &cp
	}
	domain.SortSignals(out)
	return out, nil
}
