// Package callrecord owns the authoritative call records: creation, the
// status state machine, and live subscriptions to a call or to a user's
// active call.
package callrecord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/events"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
)

// Repository persists call records
type Repository interface {
	// CreateIfNoLive stores call unless its caller already has a live call
	// to the same callee created at or after ringingSince (or accepted), in
	// which case that call is returned and nothing is stored. The check and
	// the insert are atomic.
	CreateIfNoLive(ctx context.Context, call *domain.CallRecord, ringingSince time.Time) (*domain.CallRecord, error)
	// GetByID returns domain.ErrCallNotFound when no record matches
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	// UpdateStatus moves the record to "to" only if its status is one of
	// "from", reporting whether the write happened
	UpdateStatus(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus, endedAt *time.Time) (bool, error)
	// GetLatestLiveForUser returns nil, nil when the user has no live call
	GetLatestLiveForUser(ctx context.Context, userID uuid.UUID, ringingSince time.Time) (*domain.CallRecord, error)
	ListStaleRinging(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.CallRecord, error)
}

// Ringer alerts the callee's devices about a new call
type Ringer interface {
	SendIncomingCall(ctx context.Context, call *push.IncomingCall, calleeID uuid.UUID) error
}

// Service handles call record business logic
type Service struct {
	repo    Repository
	bus     events.Bus
	ringer  Ringer
	metrics *metrics.Metrics
	window  time.Duration
	now     func() time.Time
}

// NewService creates a new call record service. Ringing records older than
// window are treated as nonexistent. ringer and m may be nil.
func NewService(repo Repository, bus events.Bus, window time.Duration, ringer Ringer, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		bus:     bus,
		ringer:  ringer,
		metrics: m,
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StaleWindow returns how long an unanswered call stays valid
func (s *Service) StaleWindow() time.Duration {
	return s.window
}

// CreateCall places a new ringing call from one user to another
func (s *Service) CreateCall(ctx context.Context, fromUserID, toUserID uuid.UUID, callType domain.CallType) (*domain.CallRecord, error) {
	if fromUserID == uuid.Nil || toUserID == uuid.Nil {
		return nil, apperrors.MissingFieldError("to_user_id")
	}
	if fromUserID == toUserID {
		return nil, apperrors.ValidationError("Cannot call yourself")
	}
	if !callType.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("Unknown call type %q", callType))
	}

	now := s.now()
	call := &domain.CallRecord{
		CallID:     uuid.New(),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		CallType:   callType,
		Status:     domain.CallStatusRinging,
		CreatedAt:  now,
	}
	existing, err := s.repo.CreateIfNoLive(ctx, call, now.Add(-s.window))
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to create call record: %w", err))
	}
	if existing != nil {
		return nil, apperrors.CallConflictError().WithDetails(map[string]string{"call_id": existing.CallID.String()})
	}

	s.publish(ctx, call)
	s.metrics.RecordCall(string(callType))

	logger.Info("Call created",
		zap.String("call_id", call.CallID.String()),
		zap.String("from_user_id", fromUserID.String()),
		zap.String("to_user_id", toUserID.String()),
		zap.String("call_type", string(callType)))

	if s.ringer != nil {
		err := s.ringer.SendIncomingCall(ctx, &push.IncomingCall{
			CallID:    call.CallID,
			CallerID:  fromUserID,
			CallType:  string(callType),
			CreatedAt: now,
		}, toUserID)
		if err != nil {
			logger.Warn("Failed to ring callee devices",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		}
	}

	return call, nil
}

// GetCall retrieves a call record. A ringing call past the stale window
// does not exist as far as callers are concerned.
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	return s.current(ctx, callID, s.now())
}

// current loads the record as of now, hiding stale ringing calls
func (s *Service) current(ctx context.Context, callID uuid.UUID, now time.Time) (*domain.CallRecord, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.IsStale(now, s.window) {
		return nil, apperrors.CallNotFoundError()
	}
	return call, nil
}

// load reads the stored record, stale or not
func (s *Service) load(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	call, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

// GetCallForUser retrieves a call record the user takes part in
func (s *Service) GetCallForUser(ctx context.Context, callID, userID uuid.UUID) (*domain.CallRecord, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(userID) {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}
	return call, nil
}

// SetCallStatus moves a call to a new status on behalf of actorID. A move
// that is not possible from the current status (including any move out of a
// terminal status) is a no-op: the current record is returned with
// applied=false. A stale ringing call is not found; only the Sweeper ends it.
func (s *Service) SetCallStatus(ctx context.Context, callID, actorID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, bool, error) {
	now := s.now()
	call, err := s.current(ctx, callID, now)
	if err != nil {
		return nil, false, err
	}

	ok, err := call.CheckTransition(actorID, status)
	if err != nil {
		var terr *domain.TransitionError
		switch {
		case errors.Is(err, domain.ErrNotParticipant), errors.Is(err, domain.ErrCalleeOnly):
			return nil, false, apperrors.ForbiddenError(err.Error())
		case errors.As(err, &terr):
			return nil, false, apperrors.ValidationError(err.Error())
		}
		return nil, false, err
	}

	if !ok {
		s.metrics.RecordCallTransition(string(status), false)
		return call, false, nil
	}

	var endedAt *time.Time
	if status == domain.CallStatusEnded {
		endedAt = &now
	}

	applied, err := s.repo.UpdateStatus(ctx, callID, domain.AllowedSources(status), status, endedAt)
	if err != nil {
		return nil, false, apperrors.DatabaseError(err)
	}
	s.metrics.RecordCallTransition(string(status), applied)

	if !applied {
		// Lost a race with another writer; report what won
		current, err := s.GetCall(ctx, callID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	call.ApplyTransition(status, now)
	s.publish(ctx, call)

	logger.Info("Call status changed",
		zap.String("call_id", callID.String()),
		zap.String("actor_id", actorID.String()),
		zap.String("status", string(status)))

	return call, true, nil
}

// ActiveCallFor returns the user's most recent live call, or nil when there
// is none. Ringing calls past the stale window do not count.
func (s *Service) ActiveCallFor(ctx context.Context, userID uuid.UUID) (*domain.CallRecord, error) {
	now := s.now()
	call, err := s.repo.GetLatestLiveForUser(ctx, userID, now.Add(-s.window))
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if call == nil || !call.IsActive(now, s.window) {
		return nil, nil
	}
	return call, nil
}

// SubscribeCallRecord calls fn with the record now and after every status
// change until unsubscribe is called or ctx is done. A ringing call that
// goes stale is delivered as nil. An unknown call is an error.
func (s *Service) SubscribeCallRecord(ctx context.Context, callID uuid.UUID, fn func(*domain.CallRecord)) (func(), error) {
	load := func(ctx context.Context) (*domain.CallRecord, error) {
		call, err := s.load(ctx, callID)
		if err != nil {
			return nil, err
		}
		if call.IsStale(s.now(), s.window) {
			return nil, nil
		}
		return call, nil
	}
	return s.watch(ctx, events.CallTopic(callID), load, true, fn)
}

// SubscribeActiveCallsFor calls fn with the user's active call (nil when
// none) now and whenever it changes, including when a ringing call goes stale
func (s *Service) SubscribeActiveCallsFor(ctx context.Context, userID uuid.UUID, fn func(*domain.CallRecord)) (func(), error) {
	load := func(ctx context.Context) (*domain.CallRecord, error) {
		return s.ActiveCallFor(ctx, userID)
	}
	return s.watch(ctx, events.UserCallsTopic(userID), load, true, fn)
}

// watch subscribes to topic, then delivers load's result initially and
// after every notification, skipping repeats of the same call and status.
// With expire set, a ringing result is re-read once its stale window passes.
func (s *Service) watch(ctx context.Context, topic string, load func(context.Context) (*domain.CallRecord, error), expire bool, fn func(*domain.CallRecord)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	ch, cancelBus, err := s.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	initial, err := load(subCtx)
	if err != nil {
		cancelBus()
		cancel()
		return nil, err
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

		var (
			lastKey string
			timer   *time.Timer
			expiry  <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		deliver := func(call *domain.CallRecord) {
			if expire {
				if timer != nil {
					timer.Stop()
					timer, expiry = nil, nil
				}
				if call != nil && call.Status == domain.CallStatusRinging {
					wait := call.CreatedAt.Add(s.window).Sub(s.now()) + time.Millisecond
					timer = time.NewTimer(wait)
					expiry = timer.C
				}
			}

			key := recordKey(call)
			if key == lastKey || stopped.Load() {
				return
			}
			lastKey = key
			fn(call.Clone())
		}

		reload := func() {
			call, err := load(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					logger.Warn("Failed to reload call record",
						zap.String("topic", topic),
						zap.Error(err))
				}
				return
			}
			deliver(call)
		}

		deliver(initial)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-expiry:
				reload()
			case _, ok := <-ch:
				if !ok {
					return
				}
				reload()
			}
		}
	}()

	return unsubscribe, nil
}

// publish notifies everyone watching the call or either participant
func (s *Service) publish(ctx context.Context, call *domain.CallRecord) {
	payload := []byte(string(call.Status))
	topics := []string{
		events.CallTopic(call.CallID),
		events.UserCallsTopic(call.FromUserID),
		events.UserCallsTopic(call.ToUserID),
	}
	for _, topic := range topics {
		if err := s.bus.Publish(ctx, topic, payload); err != nil {
			logger.Warn("Failed to publish call change",
				zap.String("call_id", call.CallID.String()),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func recordKey(call *domain.CallRecord) string {
	if call == nil {
		return "none"
	}
	return call.CallID.String() + "/" + string(call.Status)
}
