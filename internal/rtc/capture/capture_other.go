//go:build !(linux && cgo)

package capture

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/negotiation"
	"peercall-backend/pkg/logger"
)

// Devices has no drivers on this build. Every acquisition fails, which
// leaves the call receive-only.
type Devices struct {
	log *zap.Logger
}

func New(opts Options) (*Devices, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	log.Warn("No capture drivers on this platform, calls will be receive-only")
	return &Devices{log: log}, nil
}

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Devices) GetUserMedia(_ context.Context, _ negotiation.Constraints) (negotiation.LocalStream, error) {
	return nil, ErrUnsupported
}
