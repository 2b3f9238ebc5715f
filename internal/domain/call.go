package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCallNotFound is returned by call repositories when no record matches
var ErrCallNotFound = errors.New("call not found")

// CallType is the media kind a call was placed with
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call record
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// LiveStatuses are the statuses of a call that is still in progress
var LiveStatuses = []CallStatus{CallStatusRinging, CallStatusAccepted}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusAccepted, CallStatusRejected, CallStatusEnded:
		return true
	}
	return false
}

// IsTerminal reports whether s can never be left again
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// IsLive reports whether s is ringing or accepted
func (s CallStatus) IsLive() bool {
	return s == CallStatusRinging || s == CallStatusAccepted
}

// CallRecord represents one call attempt between two users
// Maps to CockroachDB calls table
type CallRecord struct {
	CallID     uuid.UUID  `json:"call_id" db:"call_id"`
	FromUserID uuid.UUID  `json:"from_user_id" db:"from_user_id"`
	ToUserID   uuid.UUID  `json:"to_user_id" db:"to_user_id"`
	CallType   CallType   `json:"call_type" db:"call_type"`
	Status     CallStatus `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// IsParticipant reports whether userID is the caller or the callee
func (c *CallRecord) IsParticipant(userID uuid.UUID) bool {
	return userID == c.FromUserID || userID == c.ToUserID
}

// IsInitiator reports whether userID placed the call. The initiator is the
// only side that ever creates an offer.
func (c *CallRecord) IsInitiator(userID uuid.UUID) bool {
	return userID == c.FromUserID
}

// PeerOf returns the other participant
func (c *CallRecord) PeerOf(userID uuid.UUID) uuid.UUID {
	if userID == c.FromUserID {
		return c.ToUserID
	}
	return c.FromUserID
}

// IsStale reports whether the record is an unanswered call older than window
func (c *CallRecord) IsStale(now time.Time, window time.Duration) bool {
	return c.Status == CallStatusRinging && now.Sub(c.CreatedAt) > window
}

// IsActive reports whether the record is live and not stale
func (c *CallRecord) IsActive(now time.Time, window time.Duration) bool {
	return c.Status.IsLive() && !c.IsStale(now, window)
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *CallRecord) Clone() *CallRecord {
	if c == nil {
		return nil
	}
	out := *c
	if c.EndedAt != nil {
		ended := *c.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

// TransitionError explains why a status change was refused
type TransitionError struct {
	From   CallStatus
	To     CallStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return "call transition " + string(e.From) + " -> " + string(e.To) + ": " + e.Reason
}

var (
	// ErrNotParticipant is returned when the actor is not part of the call
	ErrNotParticipant = errors.New("user is not a participant of this call")
	// ErrCalleeOnly is returned when the caller tries to accept or reject
	ErrCalleeOnly = errors.New("only the callee can accept or reject a call")
)

// AllowedSources returns the statuses a record may be in for a move to "to".
// Nil means no status can move to "to".
func AllowedSources(to CallStatus) []CallStatus {
	switch to {
	case CallStatusAccepted, CallStatusRejected:
		return []CallStatus{CallStatusRinging}
	case CallStatusEnded:
		return []CallStatus{CallStatusRinging, CallStatusAccepted}
	}
	return nil
}

// CheckTransition validates that actor may move the record to "to".
// Authorization failures are returned as errors; a move that is simply not
// possible from the current status (including any move out of a terminal
// status) returns ok=false with a nil error.
func (c *CallRecord) CheckTransition(actor uuid.UUID, to CallStatus) (ok bool, err error) {
	if !c.IsParticipant(actor) {
		return false, ErrNotParticipant
	}
	sources := AllowedSources(to)
	if sources == nil {
		return false, &TransitionError{From: c.Status, To: to, Reason: "not a settable status"}
	}
	if (to == CallStatusAccepted || to == CallStatusRejected) && actor != c.ToUserID {
		return false, ErrCalleeOnly
	}
	for _, s := range sources {
		if c.Status == s {
			return true, nil
		}
	}
	return false, nil
}

// ApplyTransition mutates the record to the new status
func (c *CallRecord) ApplyTransition(to CallStatus, at time.Time) {
	c.Status = to
	if to == CallStatusEnded {
		ended := at
		c.EndedAt = &ended
	}
}
