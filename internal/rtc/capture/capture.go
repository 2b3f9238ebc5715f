// Package capture opens local camera and microphone tracks with
// pion/mediadevices.
package capture

import (
	"errors"

	"go.uber.org/zap"

	"peercall-backend/internal/negotiation"
)

// ErrUnsupported is returned where no capture drivers are compiled in
var ErrUnsupported = errors.New("media capture is not supported on this build")

// Options tunes the encoders and the camera constraints
type Options struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
	Logger       *zap.Logger
}

// DefaultOptions caps the camera at VGA and 1.5 Mbps
func DefaultOptions() Options {
	return Options{
		VideoBitRate: 1_500_000,
		MaxWidth:     640,
		MaxHeight:    480,
	}
}

type stream struct {
	tracks []negotiation.Track
}

func (s *stream) Tracks() []negotiation.Track {
	return s.tracks
}

func (s *stream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
