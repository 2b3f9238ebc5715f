//go:build linux && cgo

package capture

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/negotiation"
	"peercall-backend/pkg/logger"
)

// Devices captures from V4L2 cameras and the default microphone
type Devices struct {
	opts     Options
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// New prepares VP8 and Opus encoders
func New(opts Options) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Log
	}

	d := &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log,
	}

	for _, info := range mediadevices.EnumerateDevices() {
		log.Debug("Media device found",
			zap.String("kind", fmt.Sprint(info.Kind)),
			zap.String("label", info.Label))
	}
	return d, nil
}

// RegisterCodecs registers the encoders' codecs with a pion media engine
func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// GetUserMedia opens the requested devices. Either every requested track
// opens or none do.
func (d *Devices) GetUserMedia(ctx context.Context, c negotiation.Constraints) (negotiation.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if d.opts.MaxWidth > 0 {
				mtc.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			}
			if d.opts.MaxHeight > 0 {
				mtc.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	s := &stream{}
	for _, t := range ms.GetTracks() {
		mt := &track{Track: t, log: d.log}
		t.OnEnded(mt.ended)
		s.tracks = append(s.tracks, mt)
	}
	return s, nil
}

type track struct {
	mediadevices.Track
	log *zap.Logger
}

func (t *track) Stop() {
	if err := t.Close(); err != nil {
		t.log.Debug("Failed to close local track", zap.String("track_id", t.ID()), zap.Error(err))
	}
}

func (t *track) TrackLocal() webrtc.TrackLocal {
	return t.Track
}

func (t *track) ended(err error) {
	if err != nil {
		t.log.Warn("Local track ended", zap.String("track_id", t.ID()), zap.Error(err))
	}
}
