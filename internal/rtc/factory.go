// Package rtc builds pion peer connections for the negotiation engine.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/negotiation"
	"peercall-backend/pkg/logger"
)

// Options tunes the pion API shared by every transport a Factory creates
type Options struct {
	// RegisterCodecs populates the media engine. Nil registers pion's
	// default codecs. Capture backends pass their encoder selection here.
	RegisterCodecs func(*webrtc.MediaEngine) error
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers
	IncludeLoopback bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Logger *zap.Logger
}

// DefaultOptions keeps a connection through short relay or NAT outages
func DefaultOptions() Options {
	return Options{
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory creates pion-backed transports
type Factory struct {
	api *webrtc.API
	log *zap.Logger
}

// NewFactory builds the media engine, interceptor chain and setting engine
func NewFactory(opts Options) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.RegisterCodecs != nil {
		if err := opts.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	defaults := DefaultOptions()
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = defaults.DisconnectedTimeout
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = defaults.FailedTimeout
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaults.KeepAliveInterval
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Log
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		log: log,
	}, nil
}

// NewTransport implements negotiation.TransportFactory
func (f *Factory) NewTransport(iceServers []webrtc.ICEServer) (negotiation.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerTransport(pc, f.log), nil
}
