// Package mailbox implements the per-call signal mailbox: an append-only,
// ordered list of offer/answer/candidate messages that both participants
// write to and watch.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/events"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// SignalRepository persists mailbox entries
type SignalRepository interface {
	Append(ctx context.Context, msg *domain.SignalMessage) error
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error)
}

// Service handles mailbox operations
type Service struct {
	repo    SignalRepository
	bus     events.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new mailbox service. m may be nil.
func NewService(repo SignalRepository, bus events.Bus, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		bus:     bus,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Send appends a signal to the call's mailbox. data is marshalled to JSON;
// json.RawMessage and []byte holding JSON pass through unchanged.
func (s *Service) Send(ctx context.Context, callID uuid.UUID, signalType domain.SignalType, data any, fromUserID uuid.UUID) (*domain.SignalMessage, error) {
	start := time.Now()

	if callID == uuid.Nil {
		return nil, apperrors.MissingFieldError("call_id")
	}
	if !signalType.Valid() {
		return nil, apperrors.SignalInvalidError(fmt.Sprintf("unknown signal type %q", signalType))
	}

	payload, err := encodePayload(data)
	if err != nil {
		return nil, apperrors.SignalInvalidError("signal data is not valid JSON")
	}
	if len(payload) > constants.MaxSignalPayloadBytes {
		return nil, apperrors.SignalInvalidError("signal data too large")
	}

	signalID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signal id: %w", err)
	}

	msg := &domain.SignalMessage{
		SignalID:   signalID,
		CallID:     callID,
		Type:       signalType,
		Data:       payload,
		FromUserID: fromUserID,
		CreatedAt:  s.now(),
	}

	if err := s.repo.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append signal: %w", err)
	}

	// The entry is durable at this point; a lost notification only delays
	// subscribers until the next append.
	if err := s.bus.Publish(ctx, events.SignalTopic(callID), []byte(signalID.String())); err != nil {
		logger.Warn("Failed to publish signal notification",
			zap.String("call_id", callID.String()),
			zap.String("signal_id", signalID.String()),
			zap.Error(err))
	}

	s.metrics.RecordSignalSent(string(signalType), time.Since(start))
	return msg, nil
}

// List returns the call's mailbox in creation order with duplicates removed
func (s *Service) List(ctx context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error) {
	msgs, err := s.repo.ListByCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return dedupe(msgs), nil
}

// Subscribe calls fn with the full mailbox now and again after every append,
// until the returned unsubscribe func is called or ctx is done. Calls to fn
// are sequential. Unsubscribe is idempotent and does not wait for an
// in-flight fn to return, so fn may call it.
func (s *Service) Subscribe(ctx context.Context, callID uuid.UUID, fn func([]*domain.SignalMessage)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	// Subscribe before the first read so no append can fall in between
	ch, cancelBus, err := s.bus.Subscribe(subCtx, events.SignalTopic(callID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to signals: %w", err)
	}

	var (
		stopped atomic.Bool
		once    sync.Once
	)
	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			cancelBus()
			cancel()
		})
	}

	go func() {
		defer unsubscribe()

		delivered := -1
		deliver := func() {
			msgs, err := s.List(subCtx, callID)
			if err != nil {
				if subCtx.Err() == nil {
					logger.Warn("Failed to load signals",
						zap.String("call_id", callID.String()),
						zap.Error(err))
				}
				return
			}
			// Append-only: an unchanged length means nothing new
			if len(msgs) == delivered || stopped.Load() {
				return
			}
			delivered = len(msgs)
			fn(msgs)
		}

		deliver()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return unsubscribe, nil
}

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return json.RawMessage(v), nil
	}
	return json.Marshal(data)
}

func dedupe(msgs []*domain.SignalMessage) []*domain.SignalMessage {
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	out := make([]*domain.SignalMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.SignalID]; dup {
			continue
		}
		seen[m.SignalID] = struct{}{}
		out = append(out, m)
	}
	return out
}
