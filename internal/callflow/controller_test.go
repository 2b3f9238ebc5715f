package callflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/events"
	"peercall-backend/internal/negotiation"
	"peercall-backend/internal/negotiation/negotiationtest"
	"peercall-backend/internal/repository/memory"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
	grace   = 50 * time.Millisecond
)

// MockNotifier is a mock implementation of Notifier
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

type harness struct {
	repo     *memory.CallRepository
	bus      *memory.EventBus
	calls    *callrecord.Service
	mailbox  *mailbox.Service
	notifier *MockNotifier
}

func newHarness() *harness {
	repo := memory.NewCallRepository()
	bus := memory.NewEventBus()
	return &harness{
		repo:     repo,
		bus:      bus,
		calls:    callrecord.NewService(repo, bus, constants.RingingStaleAfter, nil, nil),
		mailbox:  mailbox.NewService(memory.NewSignalRepository(), bus, nil),
		notifier: new(MockNotifier),
	}
}

type party struct {
	ctrl       *Controller
	devices    *negotiationtest.Devices
	transports *negotiationtest.Transports

	mu    sync.Mutex
	views []View
}

func (h *harness) join(t *testing.T, call *domain.CallRecord, self uuid.UUID, tweak func(*Config)) *party {
	t.Helper()
	p := &party{devices: &negotiationtest.Devices{}, transports: &negotiationtest.Transports{}}
	cfg := Config{
		Call:       call,
		SelfID:     self,
		Store:      h.calls,
		Mailbox:    h.mailbox,
		Notifier:   h.notifier,
		Devices:    p.devices,
		Transports: p.transports,
		CloseGrace: grace,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	ctrl, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	ctrl.OnChange(func(v View) {
		p.mu.Lock()
		p.views = append(p.views, v)
		p.mu.Unlock()
	})
	p.ctrl = ctrl
	return p
}

func (p *party) phase() Phase {
	return p.ctrl.View().Phase
}

func (p *party) sawPhase(phase Phase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.views {
		if v.Phase == phase {
			return true
		}
	}
	return false
}

func (p *party) closed() bool {
	select {
	case <-p.ctrl.Done():
		return true
	default:
		return false
	}
}

// released reports whether every stream was stopped and every transport closed
func (p *party) released() bool {
	for _, s := range p.devices.Streams() {
		if !s.Closed() {
			return false
		}
	}
	for _, tr := range p.transports.All() {
		if !tr.Closed() {
			return false
		}
	}
	return true
}

func signalsOf(t *testing.T, h *harness, callID uuid.UUID, typ domain.SignalType, from uuid.UUID) int {
	t.Helper()
	msgs, err := h.mailbox.List(context.Background(), callID)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.Type == typ && m.FromUserID == from {
			n++
		}
	}
	return n
}

func TestController_VideoCallEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()

	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)

	a := h.join(t, call, alice, nil)
	b := h.join(t, call, bob, nil)
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	assert.Equal(t, PhaseOutgoing, a.phase())
	assert.Equal(t, PhaseIncoming, b.phase())
	// The caller previews its camera while ringing
	require.Eventually(t, func() bool { return len(a.devices.Streams()) == 1 }, waitFor, tick)

	require.NoError(t, b.ctrl.Accept(ctx))

	require.Eventually(t, func() bool {
		return a.phase() == PhaseConnected && b.phase() == PhaseConnected
	}, waitFor, tick)

	assert.Equal(t, 1, signalsOf(t, h, call.CallID, domain.SignalTypeOffer, alice))
	assert.Equal(t, 0, signalsOf(t, h, call.CallID, domain.SignalTypeOffer, bob))
	require.Eventually(t, func() bool {
		return signalsOf(t, h, call.CallID, domain.SignalTypeAnswer, bob) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, signalsOf(t, h, call.CallID, domain.SignalTypeAnswer, alice))
	assert.GreaterOrEqual(t, signalsOf(t, h, call.CallID, domain.SignalTypeCandidate, alice), 1)
	assert.GreaterOrEqual(t, signalsOf(t, h, call.CallID, domain.SignalTypeCandidate, bob), 1)

	av, bv := a.ctrl.View(), b.ctrl.View()
	assert.True(t, av.RemoteVideo && av.RemoteAudio)
	assert.True(t, bv.RemoteVideo && bv.RemoteAudio)
	assert.Len(t, a.devices.Requests(), 1)
	assert.Len(t, a.transports.All(), 1)
	assert.Len(t, b.transports.All(), 1)

	require.NoError(t, a.ctrl.End(ctx))

	ended, err := h.calls.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	assert.True(t, a.closed())
	assert.True(t, a.released())
	require.Eventually(t, b.closed, waitFor, tick)
	assert.Equal(t, PhaseEnded, b.phase())
	assert.True(t, b.released())

	a.ctrl.Wait()
	h.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestController_RejectNotifiesCaller(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	h.notifier.On("Send", mock.Anything, mock.MatchedBy(func(in *notification.SendInput) bool {
		return in.To == alice && in.From == bob && in.Kind == constants.NotificationKindMissedCall && in.CallID == call.CallID
	})).Return(&domain.Notification{}, nil).Once()

	a := h.join(t, call, alice, nil)
	b := h.join(t, call, bob, func(c *Config) { c.SelfName = "Bob" })
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	require.NoError(t, b.ctrl.Reject(ctx))
	b.ctrl.Wait()

	assert.True(t, b.closed())
	assert.Equal(t, PhaseRejected, b.phase())
	require.Eventually(t, func() bool { return a.phase() == PhaseRejected }, waitFor, tick)
	require.Eventually(t, a.closed, waitFor, tick)
	assert.True(t, a.released())
	h.notifier.AssertExpectations(t)

	// Rejected is terminal
	rec, applied, err := h.calls.SetCallStatus(ctx, call.CallID, bob, domain.CallStatusAccepted)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.CallStatusRejected, rec.Status)
}

func TestController_CallerCancelsWhileRinging(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeVideo)
	require.NoError(t, err)

	h.notifier.On("Send", mock.Anything, mock.MatchedBy(func(in *notification.SendInput) bool {
		return in.To == bob && in.Kind == constants.NotificationKindMissedCall && in.Message == "Missed call from Alice"
	})).Return(&domain.Notification{}, nil).Once()

	a := h.join(t, call, alice, func(c *Config) { c.SelfName = "Alice" })
	b := h.join(t, call, bob, nil)
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	require.NoError(t, a.ctrl.End(ctx))
	a.ctrl.Wait()

	h.notifier.AssertExpectations(t)
	assert.True(t, a.closed())
	assert.True(t, a.released())
	require.Eventually(t, func() bool { return b.sawPhase(PhaseEnded) }, waitFor, tick)
	require.Eventually(t, b.closed, waitFor, tick)
}

func TestController_CalleeOnlyActions(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	a := h.join(t, call, alice, nil)
	require.NoError(t, a.ctrl.Start(ctx))

	err = a.ctrl.Accept(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	err = a.ctrl.Reject(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	rec, err := h.calls.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)
}

func TestController_AcceptAfterCallEnded(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	b := h.join(t, call, bob, nil)
	require.NoError(t, b.ctrl.Start(ctx))

	_, _, err = h.calls.SetCallStatus(ctx, call.CallID, alice, domain.CallStatusEnded)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.ctrl.View().Status == domain.CallStatusEnded }, waitFor, tick)

	err = b.ctrl.Accept(ctx)
	assert.True(t, errors.Is(err, ErrClosed) || apperrors.HasCode(err, apperrors.ErrCodeValidation), "got %v", err)
	assert.Empty(t, b.transports.All())
}

func TestController_StaleRingingIsExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()

	old := &domain.CallRecord{
		CallID:     uuid.New(),
		FromUserID: alice,
		ToUserID:   bob,
		CallType:   domain.CallTypeVideo,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now().Add(-3 * time.Minute),
	}
	require.NoError(t, h.repo.Create(ctx, old))

	a := h.join(t, old, alice, nil)
	require.NoError(t, a.ctrl.Start(ctx))

	require.Eventually(t, func() bool { return a.phase() == PhaseExpired }, waitFor, tick)
	require.Eventually(t, a.closed, waitFor, tick)
	a.ctrl.Wait()
	assert.Empty(t, a.devices.Requests())

	active, err := h.calls.ActiveCallFor(ctx, bob)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestController_StoreExpiryEndsRingingCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()

	old := &domain.CallRecord{
		CallID:     uuid.New(),
		FromUserID: alice,
		ToUserID:   bob,
		CallType:   domain.CallTypeAudio,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now().Add(-3 * time.Minute),
	}
	require.NoError(t, h.repo.Create(ctx, old))

	// The local window alone would still show the call as ringing
	b := h.join(t, old, bob, func(c *Config) { c.StaleWindow = time.Hour })
	require.NoError(t, b.ctrl.Start(ctx))
	require.Eventually(t, func() bool { return b.sawPhase(PhaseExpired) }, waitFor, tick)

	err := b.ctrl.Reject(ctx)
	assert.True(t, errors.Is(err, ErrClosed) || apperrors.HasCode(err, apperrors.ErrCodeValidation), "got %v", err)
	b.ctrl.Wait()
	h.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)

	stored, err := h.repo.GetByID(ctx, old.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
}

func TestController_ExpiresWhileRinging(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	b := h.join(t, call, bob, func(c *Config) { c.StaleWindow = 100 * time.Millisecond })
	require.NoError(t, b.ctrl.Start(ctx))
	assert.Equal(t, PhaseIncoming, b.phase())

	require.Eventually(t, func() bool { return b.sawPhase(PhaseExpired) }, waitFor, tick)
	require.Eventually(t, b.closed, waitFor, tick)
}

func TestController_MediaErrorKeepsCallAlive(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	a := h.join(t, call, alice, nil)
	b := h.join(t, call, bob, nil)
	b.devices.SetFailures(true, false)
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	err = b.ctrl.Retry(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	require.NoError(t, b.ctrl.Accept(ctx))
	require.Eventually(t, func() bool { return b.ctrl.View().CanRetry }, waitFor, tick)

	v := b.ctrl.View()
	assert.NotEmpty(t, v.MediaError)
	assert.False(t, v.Phase.IsTerminal())
	rec, err := h.calls.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, rec.Status)

	b.devices.SetFailures(false, false)
	require.NoError(t, b.ctrl.Retry(ctx))

	v = b.ctrl.View()
	assert.Empty(t, v.MediaError)
	assert.False(t, v.CanRetry)
	require.Eventually(t, func() bool {
		tr := b.transports.Last()
		return tr != nil && len(tr.SendersOfKind(webrtc.RTPCodecTypeAudio)) == 1
	}, waitFor, tick)
}

func TestController_CalleeLateMediaWarns(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	a := h.join(t, call, alice, nil)
	b := h.join(t, call, bob, nil)
	b.devices.SetFailures(true, false)
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	require.NoError(t, b.ctrl.Accept(ctx))
	require.Eventually(t, func() bool {
		tr := b.transports.Last()
		return tr != nil && tr.AnswersMade() == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return b.ctrl.View().CanRetry }, waitFor, tick)

	b.devices.SetFailures(false, false)
	require.NoError(t, b.ctrl.Retry(ctx))

	v := b.ctrl.View()
	assert.Empty(t, v.MediaError)
	assert.Equal(t, negotiation.LateTracksWarning, v.MediaWarning)
	assert.False(t, v.Phase.IsTerminal())
}

func TestController_VideoFallbackWarning(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeVideo)
	require.NoError(t, err)

	a := h.join(t, call, alice, nil)
	a.devices.SetFailures(false, true)
	require.NoError(t, a.ctrl.Start(ctx))

	require.Eventually(t, func() bool { return a.ctrl.View().MediaWarning != "" }, waitFor, tick)
	v := a.ctrl.View()
	assert.True(t, v.VideoOff)
	assert.Empty(t, v.MediaError)
}

func TestController_TransportFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
	require.NoError(t, err)

	a := h.join(t, call, alice, nil)
	a.transports.Err = assert.AnError
	b := h.join(t, call, bob, nil)
	require.NoError(t, a.ctrl.Start(ctx))
	require.NoError(t, b.ctrl.Start(ctx))

	require.NoError(t, b.ctrl.Accept(ctx))

	require.Eventually(t, func() bool { return a.sawPhase(PhaseFailed) }, waitFor, tick)
	assert.NotEmpty(t, a.ctrl.View().Error)
	require.Eventually(t, func() bool { return b.sawPhase(PhaseEnded) }, waitFor, tick)

	rec, err := h.calls.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	require.Eventually(t, func() bool { return a.closed() && b.closed() }, waitFor, tick)
	assert.True(t, a.released())
	assert.True(t, b.released())
}

func TestController_Toggles(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	t.Run("audio call has no camera", func(t *testing.T) {
		h := newHarness()
		call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeAudio)
		require.NoError(t, err)
		a := h.join(t, call, alice, nil)

		assert.True(t, a.ctrl.View().VideoOff)
		assert.True(t, a.ctrl.ToggleVideo())
		assert.True(t, a.ctrl.View().VideoOff)
		a.ctrl.Close()
	})

	t.Run("mute and video reach the senders", func(t *testing.T) {
		h := newHarness()
		call, err := h.calls.CreateCall(ctx, bob, alice, domain.CallTypeVideo)
		require.NoError(t, err)
		a := h.join(t, call, alice, nil)
		b := h.join(t, call, bob, nil)
		require.NoError(t, a.ctrl.Start(ctx))
		require.NoError(t, b.ctrl.Start(ctx))
		require.NoError(t, a.ctrl.Accept(ctx))
		require.Eventually(t, func() bool { return a.phase() == PhaseConnected }, waitFor, tick)

		assert.False(t, a.ctrl.View().VideoOff)
		assert.True(t, a.ctrl.ToggleMute())
		assert.True(t, a.ctrl.ToggleVideo())

		tr := a.transports.Last()
		for _, s := range tr.Senders() {
			assert.False(t, s.Enabled())
		}

		assert.False(t, a.ctrl.ToggleMute())
		for _, s := range tr.SendersOfKind(webrtc.RTPCodecTypeAudio) {
			assert.True(t, s.Enabled())
		}

		a.ctrl.SetMinimized(true)
		assert.True(t, a.ctrl.View().Minimized)
	})
}

func TestController_CloseFromAnyState(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := uuid.New(), uuid.New()
	call, err := h.calls.CreateCall(ctx, alice, bob, domain.CallTypeVideo)
	require.NoError(t, err)

	var closes int
	a := h.join(t, call, alice, func(c *Config) { c.OnClose = func() { closes++ } })
	require.NoError(t, a.ctrl.Start(ctx))
	require.Eventually(t, func() bool { return len(a.devices.Streams()) == 1 }, waitFor, tick)

	a.ctrl.Close()
	a.ctrl.Close()
	a.ctrl.Wait()

	assert.Equal(t, 1, closes)
	assert.True(t, a.closed())
	assert.True(t, a.released())
	assert.ErrorIs(t, a.ctrl.End(ctx), ErrClosed)
	require.Eventually(t, func() bool {
		return h.bus.Subscribers(events.CallTopic(call.CallID)) == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.views) > 0 && a.views[len(a.views)-1].Closed
	}, waitFor, tick)

	// Closing the screen does not touch the record
	rec, err := h.calls.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)
}

func TestNewController_Validation(t *testing.T) {
	h := newHarness()
	call := &domain.CallRecord{CallID: uuid.New(), FromUserID: uuid.New(), ToUserID: uuid.New(), CallType: domain.CallTypeAudio, Status: domain.CallStatusRinging}

	_, err := NewController(Config{SelfID: uuid.New()})
	assert.Error(t, err)

	_, err = NewController(Config{Call: call, SelfID: uuid.New(), Store: h.calls, Mailbox: h.mailbox})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}
