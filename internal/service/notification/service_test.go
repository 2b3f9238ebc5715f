package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/repository/memory"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/push"
)

// MockPusher is a mock implementation of Pusher
type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) SendMissedCall(ctx context.Context, missed *push.MissedCall, recipientID uuid.UUID) error {
	args := m.Called(ctx, missed, recipientID)
	return args.Error(0)
}

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, n *domain.NotificationCreate) (*domain.Notification, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockRepository) GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Notification, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockRepository) MarkPushed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func TestSend_MissedCall(t *testing.T) {
	repo := memory.NewNotificationRepository()
	pusher := new(MockPusher)
	svc := NewService(repo, pusher, nil)

	to, from, callID := uuid.New(), uuid.New(), uuid.New()
	pusher.On("SendMissedCall", mock.Anything, mock.MatchedBy(func(m *push.MissedCall) bool {
		return m.CallID == callID && m.FromUserID == from && m.Message == "Call rejected"
	}), to).Return(nil)

	n, err := svc.Send(context.Background(), &SendInput{
		To:      to,
		From:    from,
		Kind:    constants.NotificationKindMissedCall,
		Message: "Call rejected",
		CallID:  callID,
	})

	require.NoError(t, err)
	assert.Equal(t, "Missed Call", n.Title)
	assert.True(t, n.IsPushed)
	pusher.AssertExpectations(t)

	stored, err := svc.ListForUser(context.Background(), to, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, from, stored[0].FromUserID)
	assert.Equal(t, constants.NotificationKindMissedCall, stored[0].Type)
	assert.Equal(t, "Call rejected", stored[0].Body)
	assert.True(t, stored[0].IsPushed)
}

func TestSend_PushFailureIsNotFatal(t *testing.T) {
	repo := memory.NewNotificationRepository()
	pusher := new(MockPusher)
	svc := NewService(repo, pusher, nil)

	to := uuid.New()
	pusher.On("SendMissedCall", mock.Anything, mock.Anything, to).Return(errors.New("fcm down"))

	n, err := svc.Send(context.Background(), &SendInput{
		To:      to,
		From:    uuid.New(),
		Kind:    constants.NotificationKindMissedCall,
		Message: "Call ended",
	})

	require.NoError(t, err)
	assert.False(t, n.IsPushed)
}

func TestSend_WithoutPusher(t *testing.T) {
	svc := NewService(memory.NewNotificationRepository(), nil, nil)

	n, err := svc.Send(context.Background(), &SendInput{
		To:      uuid.New(),
		Kind:    constants.NotificationKindMissedCall,
		Message: "Missed call from <i>Alice</i>\n",
	})

	require.NoError(t, err)
	assert.False(t, n.IsPushed)
	assert.Equal(t, "Missed call from Alice", n.Body)
}

func TestSend_Validation(t *testing.T) {
	svc := NewService(memory.NewNotificationRepository(), nil, nil)

	_, err := svc.Send(context.Background(), &SendInput{Kind: constants.NotificationKindMissedCall})
	assert.Error(t, err)

	_, err = svc.Send(context.Background(), &SendInput{To: uuid.New(), Message: "hi"})
	assert.Error(t, err)

	// Nothing left after sanitizing
	_, err = svc.Send(context.Background(), &SendInput{To: uuid.New(), Kind: constants.NotificationKindMissedCall, Message: "<b></b>"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))
}

func TestSend_StoreFailure(t *testing.T) {
	repo := new(MockRepository)
	pusher := new(MockPusher)
	svc := NewService(repo, pusher, nil)

	repo.On("Create", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := svc.Send(context.Background(), &SendInput{To: uuid.New(), Kind: constants.NotificationKindMissedCall, Message: "x"})

	assert.Error(t, err)
	pusher.AssertNotCalled(t, "SendMissedCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestListForUser_ClampsPaging(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil)
	userID := uuid.New()

	repo.On("GetByUserID", mock.Anything, userID, constants.MaxPageSize, 0).Return([]*domain.Notification{}, nil)

	_, err := svc.ListForUser(context.Background(), userID, 5000, -3)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}
