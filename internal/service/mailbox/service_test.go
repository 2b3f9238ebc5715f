package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/events"
	"peercall-backend/internal/repository/memory"
	apperrors "peercall-backend/pkg/errors"
)

// MockSignalRepository is a mock implementation of SignalRepository
type MockSignalRepository struct {
	mock.Mock
}

func (m *MockSignalRepository) Append(ctx context.Context, msg *domain.SignalMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockSignalRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.SignalMessage, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SignalMessage), args.Error(1)
}

// recorder collects every snapshot a subscriber receives
type recorder struct {
	mu        sync.Mutex
	snapshots [][]*domain.SignalMessage
}

func (r *recorder) fn(msgs []*domain.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, msgs)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) last() []*domain.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func newMemoryService() (*Service, *memory.EventBus) {
	bus := memory.NewEventBus()
	return NewService(memory.NewSignalRepository(), bus, nil), bus
}

func TestSend(t *testing.T) {
	svc, _ := newMemoryService()
	callID, from := uuid.New(), uuid.New()

	msg, err := svc.Send(context.Background(), callID, domain.SignalTypeOffer,
		map[string]string{"type": "offer", "sdp": "v=0"}, from)

	require.NoError(t, err)
	assert.Equal(t, callID, msg.CallID)
	assert.Equal(t, from, msg.FromUserID)
	assert.Equal(t, domain.SignalTypeOffer, msg.Type)
	assert.Equal(t, uuid.Version(7), msg.SignalID.Version())
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(msg.Data))
}

func TestSend_Validation(t *testing.T) {
	svc, _ := newMemoryService()
	ctx := context.Background()

	_, err := svc.Send(ctx, uuid.Nil, domain.SignalTypeOffer, "{}", uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = svc.Send(ctx, uuid.New(), domain.SignalType("hangup"), "{}", uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalInvalid))

	_, err = svc.Send(ctx, uuid.New(), domain.SignalTypeAnswer, json.RawMessage(`{"sdp":`), uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalInvalid))

	huge := map[string]string{"sdp": strings.Repeat("a", 70*1024)}
	_, err = svc.Send(ctx, uuid.New(), domain.SignalTypeOffer, huge, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalInvalid))
}

func TestSend_RepositoryFailure(t *testing.T) {
	repo := new(MockSignalRepository)
	bus := memory.NewEventBus()
	svc := NewService(repo, bus, nil)

	callID := uuid.New()
	ch, cancel, err := bus.Subscribe(context.Background(), events.SignalTopic(callID))
	require.NoError(t, err)
	defer cancel()

	repo.On("Append", mock.Anything, mock.AnythingOfType("*domain.SignalMessage")).Return(errors.New("disk full"))

	_, err = svc.Send(context.Background(), callID, domain.SignalTypeOffer, map[string]string{}, uuid.New())

	assert.Error(t, err)
	assert.Empty(t, ch, "nothing is published when the append fails")
	repo.AssertExpectations(t)
}

func TestSubscribe_DeliversOrderedSnapshots(t *testing.T) {
	svc, _ := newMemoryService()
	ctx := context.Background()
	callID, from := uuid.New(), uuid.New()

	_, err := svc.Send(ctx, callID, domain.SignalTypeOffer, map[string]string{"n": "1"}, from)
	require.NoError(t, err)

	rec := &recorder{}
	unsubscribe, err := svc.Subscribe(ctx, callID, rec.fn)
	require.NoError(t, err)
	defer unsubscribe()

	// Initial snapshot carries the existing entry
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = svc.Send(ctx, callID, domain.SignalTypeCandidate, map[string]string{"n": "2"}, from)
	require.NoError(t, err)
	_, err = svc.Send(ctx, callID, domain.SignalTypeCandidate, map[string]string{"n": "3"}, from)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.last()) == 3 }, time.Second, 5*time.Millisecond)

	// Every snapshot is the full list, never a delta
	msgs := rec.last()
	assert.Equal(t, domain.SignalTypeOffer, msgs[0].Type)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func TestSubscribe_EmptyMailbox(t *testing.T) {
	svc, _ := newMemoryService()

	rec := &recorder{}
	unsubscribe, err := svc.Subscribe(context.Background(), uuid.New(), rec.fn)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.last())
}

func TestSubscribe_RemovesDuplicateIDs(t *testing.T) {
	repo := memory.NewSignalRepository()
	svc := NewService(repo, memory.NewEventBus(), nil)
	ctx := context.Background()
	callID := uuid.New()

	id, _ := uuid.NewV7()
	msg := &domain.SignalMessage{
		SignalID:  id,
		CallID:    callID,
		Type:      domain.SignalTypeOffer,
		Data:      json.RawMessage(`{}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Append(ctx, msg))
	require.NoError(t, repo.Append(ctx, msg))

	rec := &recorder{}
	unsubscribe, err := svc.Subscribe(ctx, callID, rec.fn)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.last(), 1)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	svc, bus := newMemoryService()
	ctx := context.Background()
	callID := uuid.New()

	rec := &recorder{}
	unsubscribe, err := svc.Subscribe(ctx, callID, rec.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()

	require.Eventually(t, func() bool {
		return bus.Subscribers(events.SignalTopic(callID)) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = svc.Send(ctx, callID, domain.SignalTypeOffer, map[string]string{}, uuid.New())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSubscribe_UnsubscribeFromCallback(t *testing.T) {
	svc, bus := newMemoryService()
	callID := uuid.New()

	var unsubscribe func()
	var mu sync.Mutex
	calls := 0
	ready := make(chan struct{})

	fn := func([]*domain.SignalMessage) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		unsubscribe()
	}

	unsubscribe, err := svc.Subscribe(context.Background(), callID, fn)
	require.NoError(t, err)
	close(ready)

	require.Eventually(t, func() bool {
		return bus.Subscribers(events.SignalTopic(callID)) == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSubscribe_ContextCancel(t *testing.T) {
	svc, bus := newMemoryService()
	callID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := svc.Subscribe(ctx, callID, func([]*domain.SignalMessage) {})
	require.NoError(t, err)
	require.Equal(t, 1, bus.Subscribers(events.SignalTopic(callID)))

	cancel()

	assert.Eventually(t, func() bool {
		return bus.Subscribers(events.SignalTopic(callID)) == 0
	}, time.Second, 5*time.Millisecond)
}
