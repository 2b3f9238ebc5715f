package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/callflow"
	"peercall-backend/internal/client"
	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
	"peercall-backend/internal/rtc"
	"peercall-backend/internal/rtc/capture"
	"peercall-backend/pkg/config"
	"peercall-backend/pkg/env"
	"peercall-backend/pkg/logger"
)

func connect(opts *globalOptions) (*client.Client, error) {
	if opts.token == "" {
		return nil, fmt.Errorf("--token or PEERCALL_TOKEN is required")
	}
	return client.New(opts.server, opts.token, client.WithLogger(logger.Log))
}

// media opens the local capture devices and a pion factory using their codecs
func media() (*capture.Devices, *rtc.Factory, error) {
	devices, err := capture.New(capture.DefaultOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture devices: %w", err)
	}

	opts := rtc.DefaultOptions()
	opts.RegisterCodecs = devices.RegisterCodecs
	opts.IncludeLoopback = env.GetBool("ICE_INCLUDE_LOOPBACK", false)
	factory, err := rtc.NewFactory(opts)
	if err != nil {
		return nil, nil, err
	}
	return devices, factory, nil
}

// runSession drives one call until it closes. onReady runs after the
// controller starts; Ctrl-C ends the call.
func runSession(ctx context.Context, out io.Writer, c *client.Client, call *domain.CallRecord, onReady func(context.Context, *callflow.Controller) error) error {
	devices, factory, err := media()
	if err != nil {
		return err
	}

	ctrl, err := callflow.NewController(callflow.Config{
		Call:       call,
		SelfID:     c.UserID(),
		Store:      c.Calls(),
		Mailbox:    c.Mailbox(),
		Notifier:   c.Notifier(),
		Devices:    devices,
		Transports: factory,
		ICEServers: iceServers(),
		OnRemoteStream: func(s *negotiation.RemoteStream) {
			fmt.Fprintf(out, "receiving %s (audio=%t video=%t)\n", s.ID,
				s.HasKind(webrtc.RTPCodecTypeAudio), s.HasKind(webrtc.RTPCodecTypeVideo))
		},
		Logger: logger.Log,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var last callflow.Phase
	ctrl.OnChange(func(v callflow.View) {
		if v.Phase != last {
			last = v.Phase
			fmt.Fprintf(out, "[%s] %s\n", v.CallID.String()[:8], v.Phase)
		}
		if v.MediaWarning != "" {
			fmt.Fprintln(out, "warning:", v.MediaWarning)
		}
		if v.MediaError != "" {
			fmt.Fprintln(out, "media error:", v.MediaError)
		}
		if v.Error != "" {
			fmt.Fprintln(out, "error:", v.Error)
		}
	})

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	if onReady != nil {
		if err := onReady(ctx, ctrl); err != nil {
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
	case <-quit:
		if err := ctrl.End(context.Background()); err != nil {
			logger.Warn("Failed to end call", zap.Error(err))
		}
		ctrl.Wait()
	}
	return nil
}

func iceServers() []webrtc.ICEServer {
	return negotiation.ICEServersFromURLs(env.GetSlice("ICE_STUN_SERVERS", config.DefaultSTUNServers))
}
