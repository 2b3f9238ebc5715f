package callrecord

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
)

// MockNotifier is a mock implementation of MissedCallNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, input *notification.SendInput) (*domain.Notification, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func TestSweeper_EndsStaleRingingCalls(t *testing.T) {
	svc := newMemoryService(2 * time.Minute)
	notifier := new(MockNotifier)
	sweeper, err := NewSweeper(svc, notifier, "@every 30s")
	require.NoError(t, err)

	ctx := context.Background()
	caller, callee := uuid.New(), uuid.New()

	shiftClock(svc, -3*time.Minute)
	stale, err := svc.CreateCall(ctx, caller, callee, domain.CallTypeAudio)
	require.NoError(t, err)
	shiftClock(svc, 0)
	fresh, err := svc.CreateCall(ctx, uuid.New(), callee, domain.CallTypeAudio)
	require.NoError(t, err)

	notifier.On("Send", mock.Anything, mock.MatchedBy(func(in *notification.SendInput) bool {
		return in.To == callee && in.From == caller &&
			in.CallID == stale.CallID && in.Kind == constants.NotificationKindMissedCall
	})).Return(&domain.Notification{}, nil).Once()

	ended, err := sweeper.Sweep(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	notifier.AssertExpectations(t)

	got, err := svc.GetCall(ctx, stale.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	assert.NotNil(t, got.EndedAt)

	got, err = svc.GetCall(ctx, fresh.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)

	// A second pass finds nothing left to do
	ended, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ended)
}

func TestSweeper_LeavesAnsweredCallsAlone(t *testing.T) {
	svc := newMemoryService(2 * time.Minute)
	sweeper, err := NewSweeper(svc, nil, "@every 30s")
	require.NoError(t, err)

	ctx := context.Background()
	shiftClock(svc, -time.Hour)
	call, err := svc.CreateCall(ctx, uuid.New(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)
	_, _, err = svc.SetCallStatus(ctx, call.CallID, call.ToUserID, domain.CallStatusAccepted)
	require.NoError(t, err)
	shiftClock(svc, 0)

	ended, err := sweeper.Sweep(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, ended)
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(newMemoryService(time.Minute), nil, "every now and then")
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper, err := NewSweeper(newMemoryService(time.Minute), nil, "@every 1h")
	require.NoError(t, err)

	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
