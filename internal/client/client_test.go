package client_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/callflow"
	"peercall-backend/internal/client"
	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation/negotiationtest"
	"peercall-backend/internal/repository/memory"
	"peercall-backend/internal/server"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/push"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testServer struct {
	url string
	jwt *jwt.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := memory.NewEventBus()
	manager := jwt.NewJWTManager("client-test-secret", time.Hour)
	router := server.NewRouter(server.Deps{
		ServiceName:   "call-service",
		Calls:         callrecord.NewService(memory.NewCallRepository(), bus, constants.RingingStaleAfter, nil, nil),
		Mailbox:       mailbox.NewService(memory.NewSignalRepository(), bus, nil),
		Notifications: notification.NewService(memory.NewNotificationRepository(), nil, nil),
		Push:          push.NewService(&push.MockProvider{}, memory.NewPushTokenRepository()),
		JWT:           manager,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, jwt: manager}
}

func (s *testServer) client(t *testing.T, userID uuid.UUID) *client.Client {
	t.Helper()
	token, err := s.jwt.GenerateAccessToken(userID, "user-"+userID.String()[:4], "")
	require.NoError(t, err)
	c, err := client.New(s.url, token, client.WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := client.New("ftp://example.com", "token")
	assert.Error(t, err)

	_, err = client.New("http://example.com", "not-a-jwt")
	assert.Error(t, err)

	s := newTestServer(t)
	alice := uuid.New()
	assert.Equal(t, alice, s.client(t, alice).UserID())
}

func TestCallStore(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	a, b := s.client(t, alice), s.client(t, bob)

	active, err := b.Calls().ActiveCall(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	call, err := a.Calls().CreateCall(ctx, bob, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)

	_, err = a.Calls().CreateCall(ctx, bob, domain.CallTypeAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallConflict))

	_, err = a.Calls().GetCall(ctx, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	// A client only acts as its own user
	_, _, err = a.Calls().SetCallStatus(ctx, call.CallID, bob, domain.CallStatusAccepted)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	_, err = a.Calls().SubscribeActiveCallsFor(ctx, bob, func(*domain.CallRecord) {})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	var (
		mu   sync.Mutex
		seen []domain.CallStatus
	)
	unsubscribe, err := a.Calls().SubscribeCallRecord(ctx, call.CallID, func(rec *domain.CallRecord) {
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	rec, applied, err := b.Calls().SetCallStatus(ctx, call.CallID, bob, domain.CallStatusAccepted)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.CallStatusAccepted, rec.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == domain.CallStatusAccepted
	}, waitFor, tick)

	active, err = b.Calls().ActiveCall(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, call.CallID, active.CallID)
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	a, b := s.client(t, alice), s.client(t, bob)

	call, err := a.Calls().CreateCall(ctx, bob, domain.CallTypeVideo)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		latest []*domain.SignalMessage
	)
	unsubscribe, err := b.Mailbox().Subscribe(ctx, call.CallID, func(msgs []*domain.SignalMessage) {
		mu.Lock()
		latest = msgs
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = a.Mailbox().Send(ctx, call.CallID, domain.SignalTypeOffer, map[string]string{"sdp": "v=0"}, bob)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	msg, err := a.Mailbox().Send(ctx, call.CallID, domain.SignalTypeOffer, map[string]string{"sdp": "v=0"}, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, msg.FromUserID)

	_, err = a.Mailbox().Send(ctx, call.CallID, domain.SignalType("bogus"), map[string]string{}, alice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalInvalid))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	}, waitFor, tick)

	listed, err := b.Mailbox().List(ctx, call.CallID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.SignalTypeOffer, listed[0].Type)

	outsider := s.client(t, uuid.New())
	_, err = outsider.Mailbox().Subscribe(ctx, call.CallID, func([]*domain.SignalMessage) {})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestNotifierAndPushTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	a, b := s.client(t, alice), s.client(t, bob)

	require.NoError(t, b.RegisterPushToken(ctx, "device-1", push.TokenTypeFCM, "android"))

	_, err := a.Notifier().Send(ctx, &notification.SendInput{To: bob, From: bob, Kind: constants.NotificationKindMissedCall, Message: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	n, err := a.Notifier().Send(ctx, &notification.SendInput{
		To:      bob,
		From:    alice,
		Kind:    constants.NotificationKindMissedCall,
		Message: "Missed call from alice",
	})
	require.NoError(t, err)
	assert.Equal(t, bob, n.UserID)

	list, err := b.Notifier().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Missed call from alice", list[0].Body)

	removed, err := a.UnregisterPushToken(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = b.UnregisterPushToken(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, removed)
}

// Two controllers negotiating through the running service
func TestControllersOverNetwork(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	a, b := s.client(t, alice), s.client(t, bob)

	call, err := a.Calls().CreateCall(ctx, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	join := func(c *client.Client, self uuid.UUID) *callflow.Controller {
		ctrl, err := callflow.NewController(callflow.Config{
			Call:       call,
			SelfID:     self,
			Store:      c.Calls(),
			Mailbox:    c.Mailbox(),
			Notifier:   c.Notifier(),
			Devices:    &negotiationtest.Devices{},
			Transports: &negotiationtest.Transports{},
			CloseGrace: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(ctrl.Close)
		require.NoError(t, ctrl.Start(ctx))
		return ctrl
	}

	caller := join(a, alice)
	callee := join(b, bob)
	assert.Equal(t, callflow.PhaseOutgoing, caller.View().Phase)
	assert.Equal(t, callflow.PhaseIncoming, callee.View().Phase)

	require.NoError(t, callee.Accept(ctx))
	require.Eventually(t, func() bool {
		return caller.View().Phase == callflow.PhaseConnected && callee.View().Phase == callflow.PhaseConnected
	}, waitFor, tick)
	assert.True(t, caller.View().RemoteAudio)

	require.NoError(t, caller.End(ctx))
	require.Eventually(t, func() bool {
		select {
		case <-callee.Done():
			return true
		default:
			return false
		}
	}, waitFor, tick)

	rec, err := b.Calls().GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
}
