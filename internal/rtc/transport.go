package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/negotiation"
)

// ErrUnsupportedTrack is returned when a local track has no pion track behind it
var ErrUnsupportedTrack = errors.New("track cannot be sent over a peer connection")

// LocalTrack is implemented by local tracks that wrap a pion track
type LocalTrack interface {
	TrackLocal() webrtc.TrackLocal
}

type peerTransport struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger
}

func newPeerTransport(pc *webrtc.PeerConnection, log *zap.Logger) *peerTransport {
	t := &peerTransport{pc: pc, log: log}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Info("Peer connection state change", zap.String("state", s.String()))
	})
	return t
}

func trackLocalOf(track negotiation.Track) (webrtc.TrackLocal, error) {
	switch v := track.(type) {
	case LocalTrack:
		return v.TrackLocal(), nil
	case webrtc.TrackLocal:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
}

func (t *peerTransport) AddTrack(track negotiation.Track) (negotiation.Sender, error) {
	tl, err := trackLocalOf(track)
	if err != nil {
		return nil, err
	}

	sender, err := t.pc.AddTrack(tl)
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for interceptors such as NACK to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &rtpSender{sender: sender, track: tl, enabled: true}, nil
}

func (t *peerTransport) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *peerTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *peerTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *peerTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *peerTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *peerTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *peerTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *peerTransport) OnTrack(fn func(negotiation.RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &RemoteTrack{TrackRemote: track}
		go rt.drain()
		fn(rt)
	})
}

func (t *peerTransport) Close() error {
	return t.pc.Close()
}

// ConnectionState reports the underlying peer connection state
func (t *peerTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

// rtpSender pauses a track by detaching it from the sender, which keeps the
// negotiated media section intact
type rtpSender struct {
	mu      sync.Mutex
	sender  *webrtc.RTPSender
	track   webrtc.TrackLocal
	enabled bool
}

func (s *rtpSender) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == enabled {
		return nil
	}
	var next webrtc.TrackLocal
	if enabled {
		next = s.track
	}
	if err := s.sender.ReplaceTrack(next); err != nil {
		return err
	}
	s.enabled = enabled
	return nil
}

// RemoteTrack is a received track. Its RTP is consumed in the background
// and counted.
type RemoteTrack struct {
	*webrtc.TrackRemote
	packets atomic.Int64
}

// Packets returns how many RTP packets have arrived
func (r *RemoteTrack) Packets() int64 {
	return r.packets.Load()
}

func (r *RemoteTrack) drain() {
	for {
		if _, _, err := r.ReadRTP(); err != nil {
			return
		}
		r.packets.Add(1)
	}
}
