package negotiation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
	"peercall-backend/internal/negotiation/negotiationtest"
)

type side struct {
	engine     *negotiation.Engine
	devices    *negotiationtest.Devices
	transports *negotiationtest.Transports
}

func newSide(t *testing.T, callID, self, initiator uuid.UUID, callType domain.CallType, signals *negotiationtest.Signals) *side {
	t.Helper()
	s := &side{devices: &negotiationtest.Devices{}, transports: &negotiationtest.Transports{}}
	e, err := negotiation.NewEngine(negotiation.Config{
		CallID:      callID,
		SelfID:      self,
		InitiatorID: initiator,
		CallType:    callType,
		Devices:     s.devices,
		Transports:  s.transports,
		Signals:     signals,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	s.engine = e
	return s
}

func newPair(t *testing.T, callType domain.CallType) (caller, callee *side, signals *negotiationtest.Signals) {
	t.Helper()
	callID, a, b := uuid.New(), uuid.New(), uuid.New()
	signals = &negotiationtest.Signals{}
	return newSide(t, callID, a, a, callType, signals), newSide(t, callID, b, a, callType, signals), signals
}

func (s *side) transport() *negotiationtest.Transport {
	return s.transports.Last()
}

func (s *side) ready(t *testing.T, callType domain.CallType) {
	t.Helper()
	_, err := s.engine.AcquireLocalMedia(context.Background(), callType, true)
	require.NoError(t, err)
	require.NoError(t, s.engine.CreateTransport())
	require.NoError(t, s.engine.AttachLocalTracks())
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := negotiation.NewEngine(negotiation.Config{})
	assert.Error(t, err)

	_, err = negotiation.NewEngine(negotiation.Config{
		CallID: uuid.New(), SelfID: uuid.New(), InitiatorID: uuid.New(),
		CallType:   "hologram",
		Devices:    &negotiationtest.Devices{},
		Transports: &negotiationtest.Transports{},
		Signals:    &negotiationtest.Signals{},
	})
	assert.Error(t, err)
}

func TestEngine_AcquireLocalMedia(t *testing.T) {
	ctx := context.Background()

	t.Run("video call opens camera and microphone", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeVideo)

		res, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)

		require.NoError(t, err)
		assert.False(t, res.AudioOnly)
		assert.Empty(t, res.Warning)
		assert.Len(t, res.Stream.Tracks(), 2)
	})

	t.Run("camera failure falls back to audio with a warning", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeVideo)
		caller.devices.SetFailures(false, true)

		res, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)

		require.NoError(t, err)
		assert.True(t, res.AudioOnly)
		assert.Equal(t, negotiation.FallbackWarning, res.Warning)
		require.Len(t, res.Stream.Tracks(), 1)
		assert.Equal(t, webrtc.RTPCodecTypeAudio, res.Stream.Tracks()[0].Kind())
		assert.Equal(t, []negotiation.Constraints{
			{Audio: true, Video: true},
			{Audio: true},
		}, caller.devices.Requests())
	})

	t.Run("camera failure without fallback is a retryable error", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeVideo)
		caller.devices.SetFailures(false, true)

		_, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, false)

		var merr *negotiation.MediaError
		require.ErrorAs(t, err, &merr)
		assert.True(t, merr.Retryable)
		assert.ErrorIs(t, err, negotiationtest.ErrDeviceUnavailable)
		assert.Len(t, caller.devices.Requests(), 1)
	})

	t.Run("microphone failure is retryable and Retry recovers", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeAudio)
		caller.devices.SetFailures(true, false)

		_, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeAudio, true)
		var merr *negotiation.MediaError
		require.ErrorAs(t, err, &merr)
		assert.True(t, merr.Retryable)
		assert.Equal(t, negotiation.Constraints{Audio: true}, merr.Constraints)
		assert.Error(t, caller.engine.MediaError())

		caller.devices.SetFailures(false, false)
		res, err := caller.engine.Retry(ctx)

		require.NoError(t, err)
		assert.True(t, res.AudioOnly)
		assert.NoError(t, caller.engine.MediaError())
		assert.NotNil(t, caller.engine.LocalStream())
	})

	t.Run("a held stream is reused", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeVideo)

		first, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)
		require.NoError(t, err)
		second, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)
		require.NoError(t, err)

		assert.Same(t, first.Stream, second.Stream)
		assert.Len(t, caller.devices.Requests(), 1)
	})
}

func TestEngine_CreateTransport(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeAudio)

		require.NoError(t, caller.engine.CreateTransport())
		require.NoError(t, caller.engine.CreateTransport())

		assert.Len(t, caller.transports.All(), 1)
	})

	t.Run("always configures two STUN servers", func(t *testing.T) {
		devices := &negotiationtest.Devices{}
		transports := &negotiationtest.Transports{}
		id := uuid.New()
		e, err := negotiation.NewEngine(negotiation.Config{
			CallID: uuid.New(), SelfID: id, InitiatorID: id,
			CallType:   domain.CallTypeAudio,
			ICEServers: []webrtc.ICEServer{{URLs: []string{"turn:relay.example:3478"}, Username: "u", Credential: "p"}},
			Devices:    devices,
			Transports: transports,
			Signals:    &negotiationtest.Signals{},
		})
		require.NoError(t, err)
		defer e.Close()

		require.NoError(t, e.CreateTransport())

		servers := transports.Last().ICEServers
		stun := 0
		for _, s := range servers {
			for _, u := range s.URLs {
				if len(u) > 5 && u[:5] == "stun:" {
					stun++
				}
			}
		}
		assert.GreaterOrEqual(t, stun, 2)
		assert.Equal(t, "turn:relay.example:3478", servers[0].URLs[0])
	})

	t.Run("defaults apply when nothing is configured", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeAudio)
		assert.GreaterOrEqual(t, len(caller.engine.ICEServers()), 2)
	})

	t.Run("factory failure is fatal", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeAudio)
		caller.transports.Err = errors.New("no network")

		err := caller.engine.CreateTransport()

		assert.ErrorIs(t, err, negotiation.ErrTransportUnavailable)
	})
}

func TestEngine_StartNegotiation(t *testing.T) {
	ctx := context.Background()

	t.Run("callee cannot offer", func(t *testing.T) {
		_, callee, signals := newPair(t, domain.CallTypeAudio)
		callee.ready(t, domain.CallTypeAudio)

		assert.ErrorIs(t, callee.engine.StartNegotiation(ctx), negotiation.ErrNotInitiator)
		assert.Empty(t, signals.OfType(domain.SignalTypeOffer))
	})

	t.Run("initiator offers once", func(t *testing.T) {
		caller, _, signals := newPair(t, domain.CallTypeVideo)
		caller.ready(t, domain.CallTypeVideo)

		require.NoError(t, caller.engine.StartNegotiation(ctx))
		require.NoError(t, caller.engine.StartNegotiation(ctx))

		assert.Len(t, signals.OfType(domain.SignalTypeOffer), 1)
		assert.Equal(t, 1, caller.transport().OffersMade())
		assert.Empty(t, caller.transport().ReceiveOnly())
	})

	t.Run("concurrent starts send one offer", func(t *testing.T) {
		caller, _, signals := newPair(t, domain.CallTypeAudio)
		caller.ready(t, domain.CallTypeAudio)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = caller.engine.StartNegotiation(ctx)
			}()
		}
		wg.Wait()

		assert.Len(t, signals.OfType(domain.SignalTypeOffer), 1)
	})

	t.Run("missing kinds are offered receive-only", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeVideo)
		caller.devices.SetFailures(false, true)
		caller.ready(t, domain.CallTypeVideo)

		require.NoError(t, caller.engine.StartNegotiation(ctx))

		assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, caller.transport().ReceiveOnly())
	})

	t.Run("offer without local media", func(t *testing.T) {
		caller, _, signals := newPair(t, domain.CallTypeAudio)
		require.NoError(t, caller.engine.CreateTransport())

		require.NoError(t, caller.engine.StartNegotiation(ctx))

		assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, caller.transport().ReceiveOnly())
		assert.Len(t, signals.OfType(domain.SignalTypeOffer), 1)
	})

	t.Run("needs a transport", func(t *testing.T) {
		caller, _, _ := newPair(t, domain.CallTypeAudio)
		assert.ErrorIs(t, caller.engine.StartNegotiation(ctx), negotiation.ErrNoTransport)
	})

	t.Run("failed offer can be sent again without duplicate transceivers", func(t *testing.T) {
		caller, _, signals := newPair(t, domain.CallTypeVideo)
		require.NoError(t, caller.engine.CreateTransport())

		signals.SetErr(errors.New("mailbox unavailable"))
		require.Error(t, caller.engine.StartNegotiation(ctx))
		assert.Len(t, caller.transport().ReceiveOnly(), 2)

		signals.SetErr(nil)
		require.NoError(t, caller.engine.StartNegotiation(ctx))

		assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, caller.transport().ReceiveOnly())
		assert.Len(t, signals.OfType(domain.SignalTypeOffer), 1)
		assert.Equal(t, 2, caller.transport().OffersMade())
	})
}

func TestEngine_OfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	caller, callee, signals := newPair(t, domain.CallTypeVideo)

	var mu sync.Mutex
	var callerRemote, calleeRemote *negotiation.RemoteStream
	caller.engine.OnRemoteTrack(func(s *negotiation.RemoteStream) {
		mu.Lock()
		callerRemote = s
		mu.Unlock()
	})
	callee.engine.OnRemoteTrack(func(s *negotiation.RemoteStream) {
		mu.Lock()
		calleeRemote = s
		mu.Unlock()
	})

	caller.ready(t, domain.CallTypeVideo)
	callee.ready(t, domain.CallTypeVideo)
	require.NoError(t, caller.engine.StartNegotiation(ctx))

	// The caller's candidate is in the mailbox ahead of its offer; the
	// callee must hold it until the offer is applied.
	callee.engine.ProcessSignals(ctx, signals.Sent())
	require.Len(t, signals.OfType(domain.SignalTypeAnswer), 1)
	assert.Len(t, callee.transport().Candidates(), 1)

	caller.engine.ProcessSignals(ctx, signals.Sent())
	require.NotNil(t, caller.transport().RemoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, caller.transport().RemoteDescription().Type)
	assert.Len(t, caller.transport().Candidates(), 1)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, callerRemote)
	require.NotNil(t, calleeRemote)
	assert.True(t, callerRemote.HasKind(webrtc.RTPCodecTypeVideo))
	assert.True(t, callerRemote.HasKind(webrtc.RTPCodecTypeAudio))
	assert.True(t, calleeRemote.HasKind(webrtc.RTPCodecTypeVideo))
}

func TestEngine_ProcessIncomingSignal(t *testing.T) {
	ctx := context.Background()

	t.Run("each signal is handled at most once", func(t *testing.T) {
		caller, callee, signals := newPair(t, domain.CallTypeAudio)
		caller.ready(t, domain.CallTypeAudio)
		callee.ready(t, domain.CallTypeAudio)
		require.NoError(t, caller.engine.StartNegotiation(ctx))

		snapshot := signals.Sent()
		callee.engine.ProcessSignals(ctx, snapshot)
		callee.engine.ProcessSignals(ctx, snapshot)
		callee.engine.ProcessSignals(ctx, signals.Sent())

		assert.Equal(t, 1, callee.transport().AnswersMade())
		assert.Len(t, signals.OfType(domain.SignalTypeAnswer), 1)
		assert.Len(t, callee.transport().Candidates(), 1)
	})

	t.Run("own signals are skipped", func(t *testing.T) {
		caller, _, signals := newPair(t, domain.CallTypeAudio)
		caller.ready(t, domain.CallTypeAudio)
		require.NoError(t, caller.engine.StartNegotiation(ctx))

		caller.engine.ProcessSignals(ctx, signals.Sent())

		assert.Nil(t, caller.transport().RemoteDescription())
		assert.Empty(t, caller.transport().Candidates())
	})

	t.Run("initiator ignores offers and callee ignores answers", func(t *testing.T) {
		caller, callee, signals := newPair(t, domain.CallTypeAudio)
		caller.ready(t, domain.CallTypeAudio)
		callee.ready(t, domain.CallTypeAudio)

		stray, err := signals.Send(ctx, uuid.New(), domain.SignalTypeOffer,
			webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake 9\n"}, uuid.New())
		require.NoError(t, err)
		require.NoError(t, caller.engine.ProcessIncomingSignal(ctx, stray))
		assert.Nil(t, caller.transport().RemoteDescription())

		strayAnswer, err := signals.Send(ctx, uuid.New(), domain.SignalTypeAnswer,
			webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake 9\n"}, uuid.New())
		require.NoError(t, err)
		require.NoError(t, callee.engine.ProcessIncomingSignal(ctx, strayAnswer))
		assert.Nil(t, callee.transport().RemoteDescription())
	})

	t.Run("signals wait for the transport", func(t *testing.T) {
		caller, callee, signals := newPair(t, domain.CallTypeAudio)
		caller.ready(t, domain.CallTypeAudio)
		require.NoError(t, caller.engine.StartNegotiation(ctx))
		offer := signals.OfType(domain.SignalTypeOffer)[0]

		err := callee.engine.ProcessIncomingSignal(ctx, offer)
		assert.ErrorIs(t, err, negotiation.ErrNoTransport)

		require.NoError(t, callee.engine.CreateTransport())
		require.NoError(t, callee.engine.ProcessIncomingSignal(ctx, offer))
		assert.Len(t, signals.OfType(domain.SignalTypeAnswer), 1)
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		_, callee, _ := newPair(t, domain.CallTypeAudio)
		require.NoError(t, callee.engine.CreateTransport())

		bad := &domain.SignalMessage{
			SignalID:   uuid.New(),
			Type:       domain.SignalTypeOffer,
			Data:       []byte(`"not a description"`),
			FromUserID: uuid.New(),
		}
		assert.NoError(t, callee.engine.ProcessIncomingSignal(ctx, bad))
		assert.Nil(t, callee.transport().RemoteDescription())
	})
}

func TestEngine_MuteAndVideoToggle(t *testing.T) {
	caller, _, _ := newPair(t, domain.CallTypeVideo)
	caller.ready(t, domain.CallTypeVideo)
	tr := caller.transport()

	caller.engine.SetAudioEnabled(false)
	for _, s := range tr.SendersOfKind(webrtc.RTPCodecTypeAudio) {
		assert.False(t, s.Enabled())
	}
	for _, s := range tr.SendersOfKind(webrtc.RTPCodecTypeVideo) {
		assert.True(t, s.Enabled())
	}

	caller.engine.SetVideoEnabled(false)
	caller.engine.SetAudioEnabled(true)
	for _, s := range tr.SendersOfKind(webrtc.RTPCodecTypeAudio) {
		assert.True(t, s.Enabled())
	}
	for _, s := range tr.SendersOfKind(webrtc.RTPCodecTypeVideo) {
		assert.False(t, s.Enabled())
	}
}

func TestEngine_ToggleBeforeAttach(t *testing.T) {
	caller, _, _ := newPair(t, domain.CallTypeVideo)
	caller.engine.SetVideoEnabled(false)

	caller.ready(t, domain.CallTypeVideo)

	video := caller.transport().SendersOfKind(webrtc.RTPCodecTypeVideo)
	require.Len(t, video, 1)
	assert.False(t, video[0].Enabled())
}

func TestEngine_RetryRenegotiates(t *testing.T) {
	ctx := context.Background()
	caller, _, signals := newPair(t, domain.CallTypeVideo)
	caller.devices.SetFailures(true, true)

	_, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)
	require.Error(t, err)
	require.NoError(t, caller.engine.CreateTransport())
	require.NoError(t, caller.engine.StartNegotiation(ctx))
	assert.Len(t, caller.transport().ReceiveOnly(), 2)

	caller.devices.SetFailures(false, false)
	res, err := caller.engine.Retry(ctx)

	require.NoError(t, err)
	assert.False(t, res.AudioOnly)
	assert.Len(t, caller.transport().Senders(), 2)
	assert.Len(t, signals.OfType(domain.SignalTypeOffer), 2)
}

func TestEngine_CalleeRetryAfterAnswerWarns(t *testing.T) {
	ctx := context.Background()
	caller, callee, signals := newPair(t, domain.CallTypeAudio)
	caller.ready(t, domain.CallTypeAudio)

	callee.devices.SetFailures(true, false)
	_, err := callee.engine.AcquireLocalMedia(ctx, domain.CallTypeAudio, true)
	require.Error(t, err)
	require.NoError(t, callee.engine.CreateTransport())

	require.NoError(t, caller.engine.StartNegotiation(ctx))
	callee.engine.ProcessSignals(ctx, signals.Sent())
	require.Len(t, signals.OfType(domain.SignalTypeAnswer), 1)

	callee.devices.SetFailures(false, false)
	res, err := callee.engine.Retry(ctx)

	require.NoError(t, err)
	assert.Equal(t, negotiation.LateTracksWarning, res.Warning)
	assert.Len(t, callee.transport().Senders(), 1)
	assert.Len(t, signals.OfType(domain.SignalTypeOffer), 1)
}

func TestEngine_CalleeRetryBeforeOfferHasNoWarning(t *testing.T) {
	ctx := context.Background()
	_, callee, _ := newPair(t, domain.CallTypeAudio)

	callee.devices.SetFailures(true, false)
	_, err := callee.engine.AcquireLocalMedia(ctx, domain.CallTypeAudio, true)
	require.Error(t, err)
	require.NoError(t, callee.engine.CreateTransport())

	callee.devices.SetFailures(false, false)
	res, err := callee.engine.Retry(ctx)

	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Len(t, callee.transport().Senders(), 1)
}

func TestEngine_LateRemoteTrackListener(t *testing.T) {
	ctx := context.Background()
	caller, callee, signals := newPair(t, domain.CallTypeAudio)
	caller.ready(t, domain.CallTypeAudio)
	callee.ready(t, domain.CallTypeAudio)
	require.NoError(t, caller.engine.StartNegotiation(ctx))
	callee.engine.ProcessSignals(ctx, signals.Sent())

	var got []*negotiation.RemoteStream
	callee.engine.OnRemoteTrack(func(s *negotiation.RemoteStream) {
		got = append(got, s)
	})

	require.Len(t, got, 1)
	assert.True(t, got[0].HasKind(webrtc.RTPCodecTypeAudio))
}

func TestEngine_Close(t *testing.T) {
	ctx := context.Background()
	caller, _, _ := newPair(t, domain.CallTypeVideo)
	caller.ready(t, domain.CallTypeVideo)
	stream := caller.devices.Streams()[0]
	tr := caller.transport()

	caller.engine.Close()
	caller.engine.Close()

	assert.True(t, caller.engine.Closed())
	assert.True(t, stream.Closed())
	assert.True(t, tr.Closed())
	assert.Nil(t, caller.engine.LocalStream())
	assert.ErrorIs(t, caller.engine.CreateTransport(), negotiation.ErrClosed)
	assert.ErrorIs(t, caller.engine.StartNegotiation(ctx), negotiation.ErrClosed)
	_, err := caller.engine.AcquireLocalMedia(ctx, domain.CallTypeVideo, true)
	assert.ErrorIs(t, err, negotiation.ErrClosed)
}
