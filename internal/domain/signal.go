package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SignalType is one step of the offer/answer/candidate handshake
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Valid reports whether t is a known signal type
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// SignalMessage is one entry in a call's mailbox. Data is opaque to the
// mailbox: a session description for offer/answer, an ICE candidate init
// for candidate.
// Maps to Cassandra call_signals table
type SignalMessage struct {
	SignalID   uuid.UUID       `json:"signal_id"`
	CallID     uuid.UUID       `json:"call_id"`
	Type       SignalType      `json:"type"`
	Data       json.RawMessage `json:"data"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SortSignals orders messages by creation time. Signal ids are UUIDv7, so
// they break ties in creation order too.
func SortSignals(msgs []*SignalMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].SignalID.String() < msgs[j].SignalID.String()
	})
}
