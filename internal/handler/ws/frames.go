package ws

import (
	"peercall-backend/internal/domain"
)

// Frame types written on the subscription streams
const (
	FrameTypeCall    = "call"
	FrameTypeSignals = "signals"
)

// CallFrame carries the current call record, or null when the active-call
// stream has no live call
type CallFrame struct {
	Type string             `json:"type"`
	Call *domain.CallRecord `json:"call"`
}

// SignalsFrame carries a call's full mailbox
type SignalsFrame struct {
	Type    string                  `json:"type"`
	Signals []*domain.SignalMessage `json:"signals"`
}

// Frame decodes either frame type
type Frame struct {
	Type    string                  `json:"type"`
	Call    *domain.CallRecord      `json:"call,omitempty"`
	Signals []*domain.SignalMessage `json:"signals,omitempty"`
}
