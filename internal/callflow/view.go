package callflow

import (
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// Phase is what the call screen is showing
type Phase string

const (
	PhaseIncoming   Phase = "incoming"
	PhaseOutgoing   Phase = "outgoing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseRejected   Phase = "rejected"
	PhaseEnded      Phase = "ended"
	PhaseExpired    Phase = "expired"
	PhaseFailed     Phase = "failed"
)

// IsTerminal reports whether the call is over in this phase
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseRejected, PhaseEnded, PhaseExpired, PhaseFailed:
		return true
	}
	return false
}

// View is a snapshot of one call screen
type View struct {
	CallID    uuid.UUID
	PeerID    uuid.UUID
	CallType  domain.CallType
	Initiator bool
	Status    domain.CallStatus
	Phase     Phase

	Muted     bool
	VideoOff  bool
	Minimized bool

	// MediaWarning is set when a video call continues with audio only or
	// when local media started too late to reach the peer
	MediaWarning string
	// MediaError is set while no local media could be opened; CanRetry
	// offers a new attempt
	MediaError string
	CanRetry   bool
	// Error explains a failed call
	Error string

	RemoteAudio bool
	RemoteVideo bool

	Closed bool
}
