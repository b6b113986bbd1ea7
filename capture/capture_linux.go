//go:build linux

package capture

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/apis"
	"go2tv.app/screenrelay/internal/pipewire"
	"go2tv.app/screenrelay/internal/request"
	"go2tv.app/screenrelay/internal/session"
	"go2tv.app/screenrelay/internal/spa"
	"go2tv.app/screenrelay/relay"
	"go2tv.app/screenrelay/screencast"
)

// Open wires a Thread to the portal on bus and to libpipewire. The response
// pump runs until ctx is done.
func Open(ctx context.Context, bus *apis.Conn, cfg Config, log *zap.Logger) (*Thread, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !pipewire.IsAvailable() {
		return nil, pipewire.ErrLibraryNotLoaded
	}

	responses, err := bus.Subscribe(request.Interface, request.ResponseMember)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", request.ResponseSignal, err)
	}
	closed, err := bus.Subscribe(session.Interface, session.ClosedMember)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", session.ClosedSignal, err)
	}

	pending := request.NewTable(log)
	go pending.Pump(ctx, responses)

	r := relay.New()
	formats := spa.NewFormatNegotiator(cfg.MismatchWarnAfter, log)

	streamOpts := cfg.Stream
	streamOpts.Sink = r
	streamOpts.Formats = formats
	streamOpts.Logger = log

	return NewThread(Options{
		Portal: screencast.NewNegotiator(bus, pending, cfg.Portal, log),
		OpenStream: func(fd int, nodeID uint32) (Stream, error) {
			s, err := pipewire.NewStream(fd, nodeID, streamOpts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Relay:             r,
		Formats:           formats,
		ClosedSignals:     closed,
		FirstFrameTimeout: cfg.FirstFrameTimeout,
		Logger:            log,
	})
}
