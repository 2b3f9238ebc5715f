// Package negotiation drives one side of a peer-to-peer call: it acquires
// local media, owns the peer transport, and turns the call's signal mailbox
// into an offer/answer exchange plus trickled ICE candidates.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

var (
	// ErrTransportUnavailable is returned when no peer transport could be
	// created. The call cannot continue.
	ErrTransportUnavailable = errors.New("peer transport unavailable")
	// ErrNoTransport is returned by operations that need CreateTransport first
	ErrNoTransport = errors.New("peer transport not created")
	// ErrNotInitiator is returned when the callee tries to create an offer
	ErrNotInitiator = errors.New("only the initiator creates the offer")
	// ErrClosed is returned once the engine has been closed
	ErrClosed = errors.New("negotiation engine closed")
)

// Config wires an Engine to one call and one local user
type Config struct {
	CallID      uuid.UUID
	SelfID      uuid.UUID
	InitiatorID uuid.UUID
	CallType    domain.CallType
	// ICEServers defaults to the public STUN servers and is always topped
	// up to at least two STUN endpoints
	ICEServers []webrtc.ICEServer

	Devices    MediaDevices
	Transports TransportFactory
	Signals    SignalSender
	Logger     *zap.Logger
}

type localSender struct {
	sender Sender
	kind   webrtc.RTPCodecType
}

type mediaRequest struct {
	callType      domain.CallType
	allowFallback bool
}

// Engine is the local call session. All methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	iceServers []webrtc.ICEServer
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// mediaMu serializes device acquisition
	mediaMu sync.Mutex
	// negMu serializes transport operations so descriptions are applied in
	// mailbox order. Transport callbacks never take it.
	negMu sync.Mutex

	mu                 sync.Mutex
	local              LocalStream
	audioOnly          bool
	warning            string
	mediaErr           error
	lastRequest        *mediaRequest
	transport          Transport
	senders            map[string]localSender
	remoteStreams      map[string]*RemoteStream
	streamOrder        []string
	onRemote           func(*RemoteStream)
	processed          map[uuid.UUID]struct{}
	pendingCandidates  []webrtc.ICECandidateInit
	remoteDescSet      bool
	negotiationStarted bool
	receiveOnlyAdded   bool
	audioEnabled       bool
	videoEnabled       bool
}

// NewEngine creates an engine for one call
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.CallID == uuid.Nil || cfg.SelfID == uuid.Nil || cfg.InitiatorID == uuid.Nil {
		return nil, errors.New("negotiation: call, self and initiator ids are required")
	}
	if cfg.Devices == nil || cfg.Transports == nil || cfg.Signals == nil {
		return nil, errors.New("negotiation: devices, transports and signals are required")
	}
	if !cfg.CallType.Valid() {
		return nil, fmt.Errorf("negotiation: unknown call type %q", cfg.CallType)
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:           cfg,
		iceServers:    withMinimumSTUN(servers),
		log:           logger.ForCall(cfg.Logger, cfg.CallID, cfg.SelfID),
		ctx:           ctx,
		cancel:        cancel,
		senders:       make(map[string]localSender),
		remoteStreams: make(map[string]*RemoteStream),
		processed:     make(map[uuid.UUID]struct{}),
		audioEnabled:  true,
		videoEnabled:  true,
	}, nil
}

// IsInitiator reports whether the local user placed the call
func (e *Engine) IsInitiator() bool {
	return e.cfg.SelfID == e.cfg.InitiatorID
}

// ICEServers returns the servers transports are created with
func (e *Engine) ICEServers() []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), e.iceServers...)
}

// AcquireLocalMedia opens the microphone, and the camera for video calls.
// When the camera cannot be opened and allowAudioFallback is set, one
// audio-only attempt follows and the result carries a warning. Failure
// returns a retryable *MediaError. Once a stream is held it is returned
// without touching the devices again.
func (e *Engine) AcquireLocalMedia(ctx context.Context, callType domain.CallType, allowAudioFallback bool) (*MediaResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.mediaMu.Lock()
	defer e.mediaMu.Unlock()

	e.mu.Lock()
	e.lastRequest = &mediaRequest{callType: callType, allowFallback: allowAudioFallback}
	if e.local != nil {
		res := e.mediaResultLocked()
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	want := Constraints{Audio: true, Video: callType == domain.CallTypeVideo}
	stream, err := e.cfg.Devices.GetUserMedia(ctx, want)
	audioOnly := !want.Video
	warning := ""

	if err != nil && want.Video && allowAudioFallback {
		e.log.Warn("Camera unavailable, falling back to audio only", zap.Error(err))
		want = Constraints{Audio: true}
		stream, err = e.cfg.Devices.GetUserMedia(ctx, want)
		if err == nil {
			audioOnly = true
			warning = FallbackWarning
		}
	}

	if err != nil {
		merr := &MediaError{Constraints: want, Err: err, Retryable: true}
		e.mu.Lock()
		e.mediaErr = merr
		e.mu.Unlock()
		e.log.Warn("Failed to acquire local media",
			zap.Stringer("constraints", want),
			zap.Error(err))
		return nil, merr
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		stream.Close()
		return nil, ErrClosed
	}
	e.local = stream
	e.audioOnly = audioOnly
	e.warning = warning
	e.mediaErr = nil
	res := e.mediaResultLocked()
	e.mu.Unlock()

	e.log.Info("Local media acquired",
		zap.Int("tracks", len(stream.Tracks())),
		zap.Bool("audio_only", audioOnly))
	return res, nil
}

func (e *Engine) mediaResultLocked() *MediaResult {
	return &MediaResult{Stream: e.local, AudioOnly: e.audioOnly, Warning: e.warning}
}

// Retry discards the last media error and tries to acquire media again with
// the previous request. New tracks are attached to an existing transport;
// the initiator renegotiates when an offer is already out. The callee cannot
// renegotiate, so tracks it attaches after answering come back with
// LateTracksWarning.
func (e *Engine) Retry(ctx context.Context) (*MediaResult, error) {
	e.mu.Lock()
	e.mediaErr = nil
	req := e.lastRequest
	e.mu.Unlock()

	if req == nil {
		req = &mediaRequest{callType: e.cfg.CallType, allowFallback: true}
	}

	res, err := e.AcquireLocalMedia(ctx, req.callType, req.allowFallback)
	if err != nil {
		return nil, err
	}

	e.negMu.Lock()
	defer e.negMu.Unlock()

	e.mu.Lock()
	hasTransport := e.transport != nil
	started := e.negotiationStarted
	e.mu.Unlock()
	if !hasTransport {
		return res, nil
	}

	added, err := e.attachLocked()
	if err != nil {
		return res, err
	}
	if added > 0 && started {
		if e.IsInitiator() {
			if err := e.sendOfferLocked(ctx); err != nil {
				return res, err
			}
		} else {
			e.log.Warn("Local tracks attached after negotiation; the caller must renegotiate to receive them")
			res.Warning = joinWarnings(res.Warning, LateTracksWarning)
		}
	}
	return res, nil
}

func joinWarnings(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// MediaError returns the last acquisition failure, if any
func (e *Engine) MediaError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mediaErr
}

// LocalStream returns the held local stream, or nil
func (e *Engine) LocalStream() LocalStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// CreateTransport creates the peer transport. It is a no-op once a
// transport exists. A failure wraps ErrTransportUnavailable.
func (e *Engine) CreateTransport() error {
	e.negMu.Lock()
	defer e.negMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	exists := e.transport != nil
	e.mu.Unlock()
	if exists {
		return nil
	}

	t, err := e.cfg.Transports.NewTransport(e.ICEServers())
	if err != nil {
		e.log.Error("Failed to create peer transport", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	t.OnICECandidate(e.handleLocalCandidate)
	t.OnTrack(e.handleRemoteTrack)

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	e.transport = t
	e.mu.Unlock()

	e.log.Debug("Peer transport created", zap.Int("ice_servers", len(e.iceServers)))
	return nil
}

// AttachLocalTracks adds every local track not yet on the transport. The
// current mute and video flags apply to the new senders.
func (e *Engine) AttachLocalTracks() error {
	e.negMu.Lock()
	defer e.negMu.Unlock()

	_, err := e.attachLocked()
	return err
}

func (e *Engine) attachLocked() (int, error) {
	e.mu.Lock()
	t := e.transport
	stream := e.local
	e.mu.Unlock()

	if t == nil {
		return 0, ErrNoTransport
	}
	if stream == nil {
		return 0, nil
	}

	added := 0
	for _, track := range stream.Tracks() {
		e.mu.Lock()
		_, attached := e.senders[track.ID()]
		e.mu.Unlock()
		if attached {
			continue
		}

		sender, err := t.AddTrack(track)
		if err != nil {
			return added, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}

		e.mu.Lock()
		e.senders[track.ID()] = localSender{sender: sender, kind: track.Kind()}
		enabled := e.enabledLocked(track.Kind())
		e.mu.Unlock()

		if !enabled {
			if err := sender.SetEnabled(false); err != nil {
				e.log.Warn("Failed to disable new sender", zap.Stringer("kind", track.Kind()), zap.Error(err))
			}
		}
		added++
	}

	if added > 0 {
		e.log.Debug("Local tracks attached", zap.Int("count", added))
	}
	return added, nil
}

func (e *Engine) enabledLocked(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeVideo {
		return e.videoEnabled
	}
	return e.audioEnabled
}

// OnRemoteTrack registers fn to receive the remote stream every time a track
// is added to it. Streams that arrived earlier are replayed to fn.
func (e *Engine) OnRemoteTrack(fn func(*RemoteStream)) {
	e.mu.Lock()
	e.onRemote = fn
	replay := make([]*RemoteStream, 0, len(e.streamOrder))
	for _, id := range e.streamOrder {
		replay = append(replay, copyStream(e.remoteStreams[id]))
	}
	e.mu.Unlock()

	if fn == nil {
		return
	}
	for _, s := range replay {
		fn(s)
	}
}

func (e *Engine) handleRemoteTrack(track RemoteTrack) {
	if e.closed.Load() {
		return
	}

	e.mu.Lock()
	stream, ok := e.remoteStreams[track.StreamID()]
	if !ok {
		stream = &RemoteStream{ID: track.StreamID()}
		e.remoteStreams[track.StreamID()] = stream
		e.streamOrder = append(e.streamOrder, track.StreamID())
	}
	stream.Tracks = append(stream.Tracks, track)
	snapshot := copyStream(stream)
	fn := e.onRemote
	e.mu.Unlock()

	e.log.Info("Remote track received",
		zap.String("stream_id", track.StreamID()),
		zap.Stringer("kind", track.Kind()))

	if fn != nil {
		fn(snapshot)
	}
}

func copyStream(s *RemoteStream) *RemoteStream {
	return &RemoteStream{ID: s.ID, Tracks: append([]RemoteTrack(nil), s.Tracks...)}
}

// handleLocalCandidate trickles a discovered candidate to the peer
func (e *Engine) handleLocalCandidate(candidate webrtc.ICECandidateInit) {
	if e.closed.Load() {
		return
	}
	if _, err := e.cfg.Signals.Send(e.ctx, e.cfg.CallID, domain.SignalTypeCandidate, candidate, e.cfg.SelfID); err != nil {
		if e.ctx.Err() == nil {
			e.log.Warn("Failed to send ICE candidate", zap.Error(err))
		}
	}
}

// ProcessSignals feeds a mailbox snapshot to ProcessIncomingSignal in order.
// Errors are logged and the remaining signals still processed.
func (e *Engine) ProcessSignals(ctx context.Context, signals []*domain.SignalMessage) {
	for _, sig := range signals {
		if err := e.ProcessIncomingSignal(ctx, sig); err != nil {
			e.log.Warn("Failed to process signal",
				zap.String("signal_id", sig.SignalID.String()),
				zap.String("type", string(sig.Type)),
				zap.Error(err))
		}
	}
}

// ProcessIncomingSignal applies one mailbox entry. Entries written by the
// local user are skipped, and every entry id is handled at most once: it is
// marked processed before it is applied, so a failure is not retried.
func (e *Engine) ProcessIncomingSignal(ctx context.Context, sig *domain.SignalMessage) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if sig == nil || sig.FromUserID == e.cfg.SelfID {
		return nil
	}

	e.mu.Lock()
	if e.transport == nil {
		e.mu.Unlock()
		return ErrNoTransport
	}
	if _, seen := e.processed[sig.SignalID]; seen {
		e.mu.Unlock()
		return nil
	}
	e.processed[sig.SignalID] = struct{}{}
	e.mu.Unlock()

	e.negMu.Lock()
	defer e.negMu.Unlock()

	switch sig.Type {
	case domain.SignalTypeOffer:
		return e.handleOfferLocked(ctx, sig)
	case domain.SignalTypeAnswer:
		return e.handleAnswerLocked(sig)
	case domain.SignalTypeCandidate:
		return e.handleCandidateLocked(sig)
	}
	e.log.Debug("Ignoring unknown signal type", zap.String("type", string(sig.Type)))
	return nil
}

func (e *Engine) handleOfferLocked(ctx context.Context, sig *domain.SignalMessage) error {
	if e.IsInitiator() {
		e.log.Debug("Initiator ignores offers", zap.String("signal_id", sig.SignalID.String()))
		return nil
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		e.log.Warn("Skipping malformed offer", zap.String("signal_id", sig.SignalID.String()), zap.Error(err))
		return nil
	}

	t := e.currentTransport()
	if t == nil {
		return ErrClosed
	}
	if err := t.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	e.markRemoteDescriptionLocked(t)

	answer, err := t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	if _, err := e.cfg.Signals.Send(ctx, e.cfg.CallID, domain.SignalTypeAnswer, answer, e.cfg.SelfID); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	e.mu.Lock()
	e.negotiationStarted = true
	e.mu.Unlock()

	e.log.Info("Answer sent")
	return nil
}

func (e *Engine) handleAnswerLocked(sig *domain.SignalMessage) error {
	if !e.IsInitiator() {
		e.log.Debug("Callee ignores answers", zap.String("signal_id", sig.SignalID.String()))
		return nil
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		e.log.Warn("Skipping malformed answer", zap.String("signal_id", sig.SignalID.String()), zap.Error(err))
		return nil
	}

	t := e.currentTransport()
	if t == nil {
		return ErrClosed
	}
	if err := t.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	e.markRemoteDescriptionLocked(t)

	e.log.Info("Answer applied")
	return nil
}

func (e *Engine) handleCandidateLocked(sig *domain.SignalMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Data, &candidate); err != nil || candidate.Candidate == "" {
		e.log.Warn("Skipping malformed candidate", zap.String("signal_id", sig.SignalID.String()), zap.Error(err))
		return nil
	}

	e.mu.Lock()
	if !e.remoteDescSet {
		e.pendingCandidates = append(e.pendingCandidates, candidate)
		e.mu.Unlock()
		return nil
	}
	t := e.transport
	e.mu.Unlock()

	if t == nil {
		return ErrClosed
	}
	if err := t.AddICECandidate(candidate); err != nil {
		e.log.Warn("Failed to add ICE candidate", zap.Error(err))
	}
	return nil
}

// markRemoteDescriptionLocked records that a remote description is set and
// flushes candidates that arrived before it
func (e *Engine) markRemoteDescriptionLocked(t Transport) {
	e.mu.Lock()
	e.remoteDescSet = true
	pending := e.pendingCandidates
	e.pendingCandidates = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := t.AddICECandidate(c); err != nil {
			e.log.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}
}

func (e *Engine) currentTransport() Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// StartNegotiation creates and sends the offer. Only the initiator may call
// it, and only the first call has any effect. Media kinds the call carries
// but no local track provides are added receive-only.
func (e *Engine) StartNegotiation(ctx context.Context) error {
	if !e.IsInitiator() {
		return ErrNotInitiator
	}
	if e.closed.Load() {
		return ErrClosed
	}

	e.negMu.Lock()
	defer e.negMu.Unlock()

	e.mu.Lock()
	if e.negotiationStarted {
		e.mu.Unlock()
		return nil
	}
	t := e.transport
	receiveOnlyAdded := e.receiveOnlyAdded
	have := make(map[webrtc.RTPCodecType]bool)
	for _, s := range e.senders {
		have[s.kind] = true
	}
	e.mu.Unlock()

	if t == nil {
		return ErrNoTransport
	}

	// Receive-only transceivers outlive a failed offer
	if !receiveOnlyAdded {
		kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
		if e.cfg.CallType == domain.CallTypeVideo {
			kinds = append(kinds, webrtc.RTPCodecTypeVideo)
		}
		for _, kind := range kinds {
			if have[kind] {
				continue
			}
			if err := t.AddReceiveOnly(kind); err != nil {
				return fmt.Errorf("failed to add receive-only %s: %w", kind, err)
			}
			have[kind] = true
		}

		e.mu.Lock()
		e.receiveOnlyAdded = true
		e.mu.Unlock()
	}

	if err := e.sendOfferLocked(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.negotiationStarted = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) sendOfferLocked(ctx context.Context) error {
	t := e.currentTransport()
	if t == nil {
		return ErrNoTransport
	}

	offer, err := t.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	if _, err := e.cfg.Signals.Send(ctx, e.cfg.CallID, domain.SignalTypeOffer, offer, e.cfg.SelfID); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	e.log.Info("Offer sent")
	return nil
}

// SetAudioEnabled mutes or unmutes the microphone track
func (e *Engine) SetAudioEnabled(enabled bool) {
	e.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled starts or stops sending the camera track
func (e *Engine) SetVideoEnabled(enabled bool) {
	e.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (e *Engine) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	e.mu.Lock()
	if kind == webrtc.RTPCodecTypeVideo {
		e.videoEnabled = enabled
	} else {
		e.audioEnabled = enabled
	}
	var senders []Sender
	for _, s := range e.senders {
		if s.kind == kind {
			senders = append(senders, s.sender)
		}
	}
	e.mu.Unlock()

	for _, s := range senders {
		if err := s.SetEnabled(enabled); err != nil {
			e.log.Warn("Failed to toggle sender", zap.Stringer("kind", kind), zap.Bool("enabled", enabled), zap.Error(err))
		}
	}
}

// Close stops the local tracks and closes the transport. It is idempotent
// and does not wait for in-flight negotiation steps.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	e.mu.Lock()
	stream := e.local
	t := e.transport
	e.local = nil
	e.transport = nil
	e.senders = make(map[string]localSender)
	e.onRemote = nil
	e.pendingCandidates = nil
	e.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			e.log.Warn("Failed to close peer transport", zap.Error(err))
		}
	}
	e.log.Debug("Negotiation engine closed")
}

// Closed reports whether Close has been called
func (e *Engine) Closed() bool {
	return e.closed.Load()
}
