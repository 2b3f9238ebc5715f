// Package callflow runs one call from one participant's point of view: it
// follows the call record, drives the negotiation engine when the call is
// accepted, and exposes the user actions and the state a call screen shows.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// ErrClosed is returned by actions on a closed controller
var ErrClosed = errors.New("call closed")

// CallStore is the call record collaborator
type CallStore interface {
	SetCallStatus(ctx context.Context, callID, actorID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, bool, error)
	SubscribeCallRecord(ctx context.Context, callID uuid.UUID, fn func(*domain.CallRecord)) (func(), error)
}

// Mailbox is the signal mailbox collaborator
type Mailbox interface {
	negotiation.SignalSender
	Subscribe(ctx context.Context, callID uuid.UUID, fn func([]*domain.SignalMessage)) (func(), error)
}

// Notifier is the notification sink
type Notifier interface {
	Send(ctx context.Context, input *notification.SendInput) (*domain.Notification, error)
}

// Config wires a Controller
type Config struct {
	Call   *domain.CallRecord
	SelfID uuid.UUID
	// SelfName goes into missed-call messages. Defaults to the user id.
	SelfName string

	Store    CallStore
	Mailbox  Mailbox
	Notifier Notifier // optional

	Devices    negotiation.MediaDevices
	Transports negotiation.TransportFactory
	ICEServers []webrtc.ICEServer

	StaleWindow time.Duration
	// CloseGrace is how long a call rejected or ended by the peer stays on
	// screen. Zero means constants.CallCloseGrace.
	CloseGrace time.Duration

	// OnRemoteStream receives the peer's media as tracks arrive
	OnRemoteStream func(*negotiation.RemoteStream)
	// OnClose runs once when the controller closes
	OnClose func()

	Logger *zap.Logger
}

// Controller is the state machine behind one call screen. It is safe for
// concurrent use.
type Controller struct {
	cfg    Config
	call   *domain.CallRecord
	engine *negotiation.Engine
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	view         View
	started      bool
	activated    bool
	tornDown     bool
	unsubRecord  func()
	unsubSignals func()
	staleTimer   *time.Timer
	closeTimer   *time.Timer
	listeners    []func(View)

	changed   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewController creates a controller for cfg.Call. Start must be called to
// begin following the record.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Call == nil {
		return nil, apperrors.MissingFieldError("call")
	}
	if !cfg.Call.IsParticipant(cfg.SelfID) {
		return nil, apperrors.ForbiddenError("user is not a participant of this call")
	}
	if cfg.Store == nil || cfg.Mailbox == nil {
		return nil, errors.New("callflow: store and mailbox are required")
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = constants.RingingStaleAfter
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = constants.CallCloseGrace
	}
	if cfg.SelfName == "" {
		cfg.SelfName = cfg.SelfID.String()
	}

	call := cfg.Call.Clone()
	log := logger.ForCall(cfg.Logger, call.CallID, cfg.SelfID)

	engine, err := negotiation.NewEngine(negotiation.Config{
		CallID:      call.CallID,
		SelfID:      cfg.SelfID,
		InitiatorID: call.FromUserID,
		CallType:    call.CallType,
		ICEServers:  cfg.ICEServers,
		Devices:     cfg.Devices,
		Transports:  cfg.Transports,
		Signals:     cfg.Mailbox,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		call:   call,
		engine: engine,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		view: View{
			CallID:    call.CallID,
			PeerID:    call.PeerOf(cfg.SelfID),
			CallType:  call.CallType,
			Initiator: call.IsInitiator(cfg.SelfID),
			Status:    call.Status,
			Phase:     initialPhase(call, cfg.SelfID),
			VideoOff:  call.CallType == domain.CallTypeAudio,
		},
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	engine.OnRemoteTrack(c.onRemoteStream)

	go c.deliverLoop()
	return c, nil
}

func initialPhase(call *domain.CallRecord, self uuid.UUID) Phase {
	switch call.Status {
	case domain.CallStatusRinging:
		if call.IsInitiator(self) {
			return PhaseOutgoing
		}
		return PhaseIncoming
	case domain.CallStatusAccepted:
		return PhaseConnecting
	case domain.CallStatusRejected:
		return PhaseRejected
	}
	return PhaseEnded
}

// Start subscribes to the call record. The initiator opens its devices
// right away so the preview is ready when the callee picks up.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.view.Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	unsub, err := c.cfg.Store.SubscribeCallRecord(c.ctx, c.call.CallID, c.onRecord)
	if err != nil {
		if c.expiredInStore(err) {
			return nil
		}
		return fmt.Errorf("failed to subscribe to call: %w", err)
	}

	c.mu.Lock()
	if c.view.Closed {
		c.mu.Unlock()
		unsub()
		return ErrClosed
	}
	c.unsubRecord = unsub
	c.mu.Unlock()

	if c.isInitiator() && c.call.Status == domain.CallStatusRinging && !c.call.IsStale(time.Now(), c.cfg.StaleWindow) {
		c.goWork(func() { c.acquireMedia(c.ctx) })
	}

	c.log.Debug("Call controller started", zap.String("phase", string(c.View().Phase)))
	return nil
}

func (c *Controller) isInitiator() bool {
	return c.call.IsInitiator(c.cfg.SelfID)
}

// onRecord applies one call record snapshot. nil means the store no longer
// shows the call, which only happens once a ringing call has gone stale.
func (c *Controller) onRecord(rec *domain.CallRecord) {
	if rec == nil {
		c.expireIfRinging()
		return
	}
	if rec.CallID != c.call.CallID {
		return
	}

	c.mu.Lock()
	if c.view.Closed {
		c.mu.Unlock()
		return
	}
	c.view.Status = rec.Status

	switch rec.Status {
	case domain.CallStatusRinging:
		if rec.IsStale(time.Now(), c.cfg.StaleWindow) {
			c.mu.Unlock()
			c.finish(PhaseExpired)
			return
		}
		if c.staleTimer == nil {
			wait := time.Until(rec.CreatedAt.Add(c.cfg.StaleWindow)) + time.Millisecond
			c.staleTimer = time.AfterFunc(wait, c.expireIfRinging)
		}

	case domain.CallStatusAccepted:
		if c.staleTimer != nil {
			c.staleTimer.Stop()
		}
		if !c.view.Phase.IsTerminal() && c.view.Phase != PhaseConnected {
			c.view.Phase = PhaseConnecting
		}
		if !c.activated && !c.view.Phase.IsTerminal() {
			c.activated = true
			c.mu.Unlock()
			c.signal()
			c.goWork(c.activate)
			return
		}

	case domain.CallStatusRejected:
		c.mu.Unlock()
		c.finish(PhaseRejected)
		return

	case domain.CallStatusEnded:
		c.mu.Unlock()
		c.finish(PhaseEnded)
		return
	}

	c.mu.Unlock()
	c.signal()
}

func (c *Controller) expireIfRinging() {
	c.mu.Lock()
	ringing := c.view.Status == domain.CallStatusRinging
	c.mu.Unlock()
	if ringing {
		c.log.Info("Unanswered call expired")
		c.finish(PhaseExpired)
	}
}

// expiredInStore reports whether err means the store has dropped a call that
// is still ringing here. If so the call moves to the expired phase.
func (c *Controller) expiredInStore(err error) bool {
	if !apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
		return false
	}
	c.mu.Lock()
	ringing := c.view.Status == domain.CallStatusRinging
	c.mu.Unlock()
	if !ringing {
		return false
	}
	c.log.Info("Unanswered call expired")
	c.finish(PhaseExpired)
	return true
}

// finish moves to a terminal phase, releases media and closes after the
// grace delay
func (c *Controller) finish(phase Phase) {
	c.enterTerminal(phase)
	c.teardown()
	c.scheduleClose(c.cfg.CloseGrace)
}

// enterTerminal sets phase unless a terminal phase is already set
func (c *Controller) enterTerminal(phase Phase) bool {
	c.mu.Lock()
	if c.view.Phase.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	c.view.Phase = phase
	c.view.CanRetry = false
	c.mu.Unlock()
	c.signal()
	return true
}

// activate brings up the media path once the call is accepted
func (c *Controller) activate() {
	ctx := c.ctx

	c.acquireMedia(ctx)

	if err := c.engine.CreateTransport(); err != nil {
		if !errors.Is(err, negotiation.ErrClosed) {
			c.fail(apperrors.TransportUnavailableError(err))
		}
		return
	}
	if err := c.engine.AttachLocalTracks(); err != nil && !errors.Is(err, negotiation.ErrClosed) {
		c.log.Warn("Failed to attach local tracks", zap.Error(err))
	}

	unsub, err := c.cfg.Mailbox.Subscribe(ctx, c.call.CallID, func(signals []*domain.SignalMessage) {
		c.engine.ProcessSignals(ctx, signals)
	})
	if err != nil {
		if ctx.Err() == nil {
			c.fail(fmt.Errorf("failed to subscribe to signals: %w", err))
		}
		return
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsubSignals = unsub
	c.mu.Unlock()

	if c.isInitiator() {
		if err := c.engine.StartNegotiation(ctx); err != nil && !errors.Is(err, negotiation.ErrClosed) {
			c.fail(fmt.Errorf("failed to start negotiation: %w", err))
		}
	}
}

// fail ends the call after an unrecoverable error
func (c *Controller) fail(err error) {
	c.log.Error("Call failed", zap.Error(err))

	c.mu.Lock()
	c.view.Error = err.Error()
	c.mu.Unlock()

	if !c.enterTerminal(PhaseFailed) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if _, _, werr := c.cfg.Store.SetCallStatus(ctx, c.call.CallID, c.cfg.SelfID, domain.CallStatusEnded); werr != nil {
		c.log.Warn("Failed to end failed call", zap.Error(werr))
	}

	c.teardown()
	c.scheduleClose(c.cfg.CloseGrace)
}

func (c *Controller) acquireMedia(ctx context.Context) {
	res, err := c.engine.AcquireLocalMedia(ctx, c.call.CallType, true)
	c.applyMedia(res, err)
}

func (c *Controller) applyMedia(res *negotiation.MediaResult, err error) {
	if errors.Is(err, negotiation.ErrClosed) {
		return
	}

	c.mu.Lock()
	if err != nil {
		c.view.MediaError = err.Error()
		c.view.CanRetry = !c.view.Phase.IsTerminal()
	} else {
		c.view.MediaError = ""
		c.view.CanRetry = false
		c.view.MediaWarning = res.Warning
		if res.AudioOnly {
			c.view.VideoOff = true
		}
	}
	c.mu.Unlock()
	c.signal()
}

func (c *Controller) onRemoteStream(s *negotiation.RemoteStream) {
	c.mu.Lock()
	c.view.RemoteAudio = c.view.RemoteAudio || s.HasKind(webrtc.RTPCodecTypeAudio)
	c.view.RemoteVideo = c.view.RemoteVideo || s.HasKind(webrtc.RTPCodecTypeVideo)
	if c.view.Phase == PhaseConnecting {
		c.view.Phase = PhaseConnected
	}
	c.mu.Unlock()
	c.signal()

	if c.cfg.OnRemoteStream != nil {
		c.cfg.OnRemoteStream(s)
	}
}

// Accept answers a ringing call. Callee only.
func (c *Controller) Accept(ctx context.Context) error {
	if err := c.checkCalleeRinging("accept"); err != nil {
		return err
	}

	rec, _, err := c.cfg.Store.SetCallStatus(ctx, c.call.CallID, c.cfg.SelfID, domain.CallStatusAccepted)
	if err != nil {
		if c.expiredInStore(err) {
			return nil
		}
		return err
	}
	c.onRecord(rec)
	return nil
}

// Reject declines a ringing call, tells the caller and closes. Callee only.
func (c *Controller) Reject(ctx context.Context) error {
	if err := c.checkCalleeRinging("reject"); err != nil {
		return err
	}

	rec, applied, err := c.cfg.Store.SetCallStatus(ctx, c.call.CallID, c.cfg.SelfID, domain.CallStatusRejected)
	if err != nil {
		if c.expiredInStore(err) {
			return nil
		}
		return err
	}
	if !applied {
		c.onRecord(rec)
		return nil
	}

	c.notify(c.call.FromUserID, fmt.Sprintf("%s rejected your call", c.cfg.SelfName))
	c.enterTerminal(PhaseRejected)
	c.Close()
	return nil
}

func (c *Controller) checkCalleeRinging(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.view.Closed {
		return ErrClosed
	}
	if c.isInitiator() {
		return apperrors.ForbiddenError("only the callee can " + action + " a call")
	}
	if c.view.Status != domain.CallStatusRinging || c.view.Phase.IsTerminal() {
		return apperrors.ValidationError("call is not ringing")
	}
	return nil
}

// End hangs up. When the caller hangs up before the callee answered, the
// callee gets a missed-call notification.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.view.Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.view.Phase.IsTerminal() {
		c.mu.Unlock()
		c.Close()
		return nil
	}
	wasRinging := c.view.Status == domain.CallStatusRinging
	c.mu.Unlock()

	rec, applied, err := c.cfg.Store.SetCallStatus(ctx, c.call.CallID, c.cfg.SelfID, domain.CallStatusEnded)
	if err != nil {
		if c.expiredInStore(err) {
			c.Close()
			return nil
		}
		return err
	}

	if applied {
		if wasRinging && c.isInitiator() {
			c.notify(c.call.ToUserID, fmt.Sprintf("Missed call from %s", c.cfg.SelfName))
		}
		c.mu.Lock()
		c.view.Status = rec.Status
		c.mu.Unlock()
		c.enterTerminal(PhaseEnded)
	} else {
		c.onRecord(rec)
	}

	c.Close()
	return nil
}

// notify sends a missed-call notification in the background
func (c *Controller) notify(to uuid.UUID, message string) {
	if c.cfg.Notifier == nil {
		return
	}
	input := &notification.SendInput{
		To:      to,
		From:    c.cfg.SelfID,
		Kind:    constants.NotificationKindMissedCall,
		Message: message,
		CallID:  c.call.CallID,
	}
	c.goWork(func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if _, err := c.cfg.Notifier.Send(ctx, input); err != nil {
			c.log.Warn("Failed to send missed call notification",
				zap.String("to_user_id", to.String()),
				zap.Error(err))
		}
	})
}

// ToggleMute flips the microphone and returns whether it is now muted
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	c.view.Muted = !c.view.Muted
	muted := c.view.Muted
	c.mu.Unlock()

	c.engine.SetAudioEnabled(!muted)
	c.signal()
	return muted
}

// ToggleVideo flips the camera on video calls and returns whether it is now
// off. Audio calls always report video off.
func (c *Controller) ToggleVideo() bool {
	if c.call.CallType != domain.CallTypeVideo {
		return true
	}

	c.mu.Lock()
	c.view.VideoOff = !c.view.VideoOff
	off := c.view.VideoOff
	c.mu.Unlock()

	c.engine.SetVideoEnabled(!off)
	c.signal()
	return off
}

// SetMinimized records whether the call screen is minimized
func (c *Controller) SetMinimized(minimized bool) {
	c.mu.Lock()
	c.view.Minimized = minimized
	c.mu.Unlock()
	c.signal()
}

// Retry tries to open the devices again after a media error
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.view.Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.view.CanRetry {
		c.mu.Unlock()
		return apperrors.ValidationError("no media error to retry")
	}
	c.mu.Unlock()

	res, err := c.engine.Retry(ctx)
	if errors.Is(err, negotiation.ErrClosed) {
		return ErrClosed
	}
	var merr *negotiation.MediaError
	if err != nil && !errors.As(err, &merr) {
		// media is held; only attaching or renegotiating failed
		c.log.Warn("Retry could not update the connection", zap.Error(err))
		c.applyMedia(res, nil)
		return err
	}
	c.applyMedia(res, err)
	if err != nil {
		return apperrors.MediaUnavailableError(err)
	}
	return nil
}

// teardown stops the media path. It leaves the record subscription alone
// so the final state still reaches the screen.
func (c *Controller) teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	unsub := c.unsubSignals
	c.unsubSignals = nil
	if c.staleTimer != nil {
		c.staleTimer.Stop()
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.engine.Close()
	c.log.Debug("Call media released")
}

func (c *Controller) scheduleClose(after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view.Closed || c.closeTimer != nil {
		return
	}
	c.closeTimer = time.AfterFunc(after, c.Close)
}

// Close releases everything the call holds: media, transport, and both
// subscriptions. It is idempotent and safe from any state.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.teardown()
		c.cancel()

		c.mu.Lock()
		c.view.Closed = true
		c.view.CanRetry = false
		unsub := c.unsubRecord
		c.unsubRecord = nil
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		close(c.done)
		c.log.Info("Call closed", zap.String("phase", string(c.View().Phase)))

		if c.cfg.OnClose != nil {
			c.cfg.OnClose()
		}
	})
}

// Done is closed once the controller has closed
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until background work such as notifications has finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) goWork(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// View returns the current screen state
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// OnChange registers fn to receive the screen state after changes. Rapid
// changes are coalesced; fn always sees the latest state. fn runs on a
// dedicated goroutine and may call back into the controller.
func (c *Controller) OnChange(fn func(View)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
	c.signal()
}

func (c *Controller) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Controller) deliverLoop() {
	for {
		select {
		case <-c.changed:
			c.deliver()
		case <-c.done:
			c.deliver()
			return
		}
	}
}

func (c *Controller) deliver() {
	c.mu.Lock()
	v := c.view
	listeners := make([]func(View), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}
