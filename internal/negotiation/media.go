package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which capture devices to open
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Video:
		return "video"
	case c.Audio:
		return "audio"
	}
	return "none"
}

// Track is one captured local track
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop()
}

// LocalStream is the set of tracks one acquisition produced
type LocalStream interface {
	Tracks() []Track
	// Close stops every track
	Close()
}

// MediaDevices opens capture devices
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (LocalStream, error)
}

// MediaResult describes a successful acquisition
type MediaResult struct {
	Stream    LocalStream
	AudioOnly bool
	// Warning is set when a video call fell back to audio only
	Warning string
}

// MediaError reports a failed acquisition. The call itself is not over: a
// retryable error can be cleared with Engine.Retry.
type MediaError struct {
	Constraints Constraints
	Err         error
	Retryable   bool
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("failed to acquire %s media: %v", e.Constraints, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

const (
	// FallbackWarning is reported when a video call continues with audio only
	FallbackWarning = "Camera unavailable, continuing with audio only"
	// LateTracksWarning is reported when the callee's media arrived after it
	// answered; the caller does not receive it until it renegotiates
	LateTracksWarning = "Media started after the call connected; the other side may not hear or see you"
)
