// Package negotiationtest provides in-memory devices, transports and signal
// sinks for exercising a negotiation.Engine without real media.
package negotiationtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
)

// ErrDeviceUnavailable is what Devices returns for a failing device
var ErrDeviceUnavailable = errors.New("device unavailable")

var trackSeq atomic.Int64

// Track is a fake local track
type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped atomic.Bool
}

// NewTrack creates a track of kind with a unique id
func NewTrack(kind webrtc.RTPCodecType) *Track {
	return &Track{id: fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)), kind: kind}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Stop()                     { t.stopped.Store(true) }

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stream is a fake local stream
type Stream struct {
	tracks []*Track
	closed atomic.Bool
}

func (s *Stream) Tracks() []negotiation.Track {
	out := make([]negotiation.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Close() {
	s.closed.Store(true)
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool { return s.closed.Load() }

// Devices hands out fake streams. SetFailures makes any request for a
// failing kind return ErrDeviceUnavailable.
type Devices struct {
	mu        sync.Mutex
	failAudio bool
	failVideo bool
	requests  []negotiation.Constraints
	streams   []*Stream
}

// SetFailures programs which device kinds fail
func (d *Devices) SetFailures(audio, video bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAudio = audio
	d.failVideo = video
}

func (d *Devices) GetUserMedia(_ context.Context, c negotiation.Constraints) (negotiation.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, c)
	if (c.Audio && d.failAudio) || (c.Video && d.failVideo) {
		return nil, ErrDeviceUnavailable
	}

	s := &Stream{}
	if c.Audio {
		s.tracks = append(s.tracks, NewTrack(webrtc.RTPCodecTypeAudio))
	}
	if c.Video {
		s.tracks = append(s.tracks, NewTrack(webrtc.RTPCodecTypeVideo))
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Requests returns every constraint set asked for, in order
func (d *Devices) Requests() []negotiation.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]negotiation.Constraints(nil), d.requests...)
}

// Streams returns every stream handed out
func (d *Devices) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Sender is a fake RTP sender
type Sender struct {
	Track   negotiation.Track
	enabled atomic.Bool
}

func (s *Sender) SetEnabled(enabled bool) error {
	s.enabled.Store(enabled)
	return nil
}

// Enabled reports whether media is being sent
func (s *Sender) Enabled() bool { return s.enabled.Load() }

// RemoteTrack is a track described by the peer's fake session description
type RemoteTrack struct {
	TrackID   string
	Stream    string
	MediaKind webrtc.RTPCodecType
}

func (t *RemoteTrack) ID() string                { return t.TrackID }
func (t *RemoteTrack) StreamID() string          { return t.Stream }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.MediaKind }

// Transport is a fake peer connection. Its session descriptions list the
// attached tracks one per line so the remote side can raise OnTrack for
// them. Setting a local description emits one host candidate.
type Transport struct {
	ID         int
	ICEServers []webrtc.ICEServer

	mu           sync.Mutex
	senders      []*Sender
	recvOnly     []webrtc.RTPCodecType
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	onCandidate  func(webrtc.ICECandidateInit)
	onTrack      func(negotiation.RemoteTrack)
	seenRemote   map[string]bool
	offersMade   int
	answersMade  int
	closed       bool
	candidateSeq int
}

func (t *Transport) streamID() string {
	return fmt.Sprintf("stream-%d", t.ID)
}

func (t *Transport) AddTrack(track negotiation.Track) (negotiation.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	s := &Sender{Track: track}
	s.enabled.Store(true)
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *Transport) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvOnly = append(t.recvOnly, kind)
	return nil
}

func (t *Transport) describe(sdpType webrtc.SDPType) webrtc.SessionDescription {
	var b strings.Builder
	fmt.Fprintf(&b, "fake %d\n", t.ID)
	for _, s := range t.senders {
		fmt.Fprintf(&b, "track %s %s %s\n", s.Track.ID(), s.Track.Kind(), t.streamID())
	}
	for _, k := range t.recvOnly {
		fmt.Fprintf(&b, "recvonly %s\n", k)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: b.String()}
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	t.offersMade++
	return t.describe(webrtc.SDPTypeOffer), nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	t.answersMade++
	return t.describe(webrtc.SDPTypeAnswer), nil
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.local = &desc
	t.candidateSeq++
	candidate := webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", t.ID, 50000+t.candidateSeq),
	}
	fn := t.onCandidate
	t.mu.Unlock()

	if fn != nil {
		fn(candidate)
	}
	return nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.remote = &desc
	if t.seenRemote == nil {
		t.seenRemote = make(map[string]bool)
	}
	var fresh []*RemoteTrack
	for _, line := range strings.Split(desc.SDP, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "track" || t.seenRemote[fields[1]] {
			continue
		}
		t.seenRemote[fields[1]] = true
		fresh = append(fresh, &RemoteTrack{
			TrackID:   fields[1],
			Stream:    fields[3],
			MediaKind: webrtc.NewRTPCodecType(fields[2]),
		})
	}
	fn := t.onTrack
	t.mu.Unlock()

	if fn != nil {
		for _, rt := range fresh {
			fn(rt)
		}
	}
	return nil
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnTrack(fn func(negotiation.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Senders returns the senders created by AddTrack
func (t *Transport) Senders() []*Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Sender(nil), t.senders...)
}

// SendersOfKind returns the senders whose track is of kind
func (t *Transport) SendersOfKind(kind webrtc.RTPCodecType) []*Sender {
	var out []*Sender
	for _, s := range t.Senders() {
		if s.Track.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// ReceiveOnly returns the kinds added with AddReceiveOnly
func (t *Transport) ReceiveOnly() []webrtc.RTPCodecType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), t.recvOnly...)
}

// Candidates returns the remote candidates applied so far
func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

// RemoteDescription returns the applied remote description, if any
func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// LocalDescription returns the applied local description, if any
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// OffersMade counts CreateOffer calls
func (t *Transport) OffersMade() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offersMade
}

// AnswersMade counts CreateAnswer calls
func (t *Transport) AnswersMade() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answersMade
}

// Closed reports whether Close was called
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Transports is a TransportFactory that keeps every transport it creates.
// A non-nil Err makes creation fail.
type Transports struct {
	mu         sync.Mutex
	Err        error
	transports []*Transport
}

func (f *Transports) NewTransport(iceServers []webrtc.ICEServer) (negotiation.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{ID: len(f.transports) + 1, ICEServers: iceServers}
	f.transports = append(f.transports, t)
	return t, nil
}

// All returns every transport created
func (f *Transports) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Last returns the most recent transport, or nil
func (f *Transports) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Signals records sent signals as mailbox entries
type Signals struct {
	mu   sync.Mutex
	Err  error
	sent []*domain.SignalMessage
}

// SetErr makes every following Send fail with err, or succeed when nil
func (s *Signals) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Signals) Send(_ context.Context, callID uuid.UUID, signalType domain.SignalType, data any, from uuid.UUID) (*domain.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	msg := &domain.SignalMessage{
		SignalID:   id,
		CallID:     callID,
		Type:       signalType,
		Data:       raw,
		FromUserID: from,
		CreatedAt:  time.Now(),
	}
	s.sent = append(s.sent, msg)
	return msg, nil
}

// Sent returns every recorded signal in send order
func (s *Signals) Sent() []*domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.SignalMessage(nil), s.sent...)
}

// OfType returns the recorded signals of type t
func (s *Signals) OfType(t domain.SignalType) []*domain.SignalMessage {
	var out []*domain.SignalMessage
	for _, m := range s.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
