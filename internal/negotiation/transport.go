package negotiation

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peercall-backend/internal/domain"
)

// Sender is the sending side of one attached local track
type Sender interface {
	// SetEnabled starts or stops sending media without renegotiation
	SetEnabled(enabled bool) error
}

// RemoteTrack is a track the peer is sending us
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Transport is a peer connection. Implementations must be safe for
// concurrent use; callbacks may fire from any goroutine.
type Transport interface {
	AddTrack(track Track) (Sender, error)
	// AddReceiveOnly makes offers carry a media section of kind even
	// without a local track
	AddReceiveOnly(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// TransportFactory creates transports
type TransportFactory interface {
	NewTransport(iceServers []webrtc.ICEServer) (Transport, error)
}

// SignalSender appends to a call's mailbox
type SignalSender interface {
	Send(ctx context.Context, callID uuid.UUID, signalType domain.SignalType, data any, fromUserID uuid.UUID) (*domain.SignalMessage, error)
}

// RemoteStream groups the remote tracks that share a stream id
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// HasKind reports whether the stream carries a track of kind
func (s *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
