package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrelay/capture"
	"go2tv.app/screenrelay/internal/apis"
	"go2tv.app/screenrelay/internal/config"
	"go2tv.app/screenrelay/internal/logging"
	"go2tv.app/screenrelay/internal/pipewire"
	"go2tv.app/screenrelay/internal/status"
	"go2tv.app/screenrelay/render"
	"go2tv.app/screenrelay/render/gstsink"
	"go2tv.app/screenrelay/screencast"
)

func commands() []*cli.Command {
	return []*cli.Command{
		runCommand(),
		probeCommand(),
		versionCommand(),
	}
}

// commandContext holds what every command needs after flag parsing.
type commandContext struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newCommandContext(c *cli.Context) (*commandContext, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if sink := c.String("sink"); sink != "" {
		cfg.Render.Sink = sink
	}
	if listen := c.String("status-listen"); listen != "" {
		cfg.Status.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}
	return &commandContext{cfg: cfg, logger: logger}, nil
}

func portalOptions(cfg *config.Config) screencast.Options {
	return screencast.Options{
		HandshakeTimeout: cfg.Portal.HandshakeTimeout,
		Types:            cfg.Portal.SourceTypeMask(),
		CursorMode:       cfg.Portal.CursorModeValue(),
		Multiple:         cfg.Portal.Multiple,
		PersistMode:      cfg.Portal.PersistModeValue(),
		RestoreToken:     cfg.Portal.RestoreToken,
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Negotiate a screencast session and relay frames to a sink",
		Description: `Ask the desktop portal for a screen, stream it from PipeWire and present
each new frame on the configured sink until interrupted.

Examples:
  screenrelay run
  screenrelay --config screenrelay.yaml run --sink headless --status-listen 127.0.0.1:8088`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sink",
				Usage: "Frame sink: gst or headless",
			},
			&cli.StringFlag{
				Name:  "status-listen",
				Usage: "Serve /healthz and /status on this address",
			},
		},
		Action: func(c *cli.Context) error {
			cc, err := newCommandContext(c)
			if err != nil {
				return err
			}
			defer cc.logger.Sync()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cc)
		},
	}
}

type watcher interface {
	Watch(ctx context.Context) error
}

func run(ctx context.Context, cc *commandContext) error {
	cfg, logger := cc.cfg, cc.logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus, err := apis.Connect()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer bus.Close()

	thread, err := capture.Open(ctx, bus, capture.Config{
		Portal: portalOptions(cfg),
		Stream: pipewire.Options{
			Name:      cfg.Stream.Name,
			Width:     cfg.Stream.Width,
			Height:    cfg.Stream.Height,
			FrameRate: cfg.Stream.FrameRate,
		},
		MismatchWarnAfter: cfg.Stream.MismatchWarnAfter,
	}, logger)
	if err != nil {
		return err
	}

	surface, err := newSurface(cfg, logger)
	if err != nil {
		return err
	}
	defer surface.Close()

	loop := render.NewLoop(thread.Relay(), thread.Formats(), surface, cfg.Render.RedrawInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	background := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				logger.Error(name+" stopped", zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	background("render loop", loop.Run)
	if w, ok := surface.(watcher); ok {
		background("sink", w.Watch)
	}
	if cfg.Status.Listen != "" {
		router := status.NewRouter(status.Provider{
			Capture:   func() any { return thread.Status() },
			Presented: loop.Presented,
			Version:   Version,
		}, logger)
		background("status server", func(ctx context.Context) error {
			return status.Run(ctx, cfg.Status.Listen, router, logger)
		})
	}

	logger.Info("starting capture", zap.String("sink", cfg.Render.Sink))
	runErr := thread.Run(gctx)
	cancel()
	bgErr := g.Wait()

	if errors.Is(runErr, capture.ErrSessionClosed) {
		logger.Info("capture ended by the portal")
	}
	if errors.Is(bgErr, gstsink.ErrEndOfStream) {
		logger.Info("sink reached end of stream")
	}
	err = exitError(runErr, bgErr)
	if err == nil {
		if st := thread.Status(); st.RestoreToken != "" {
			logger.Info("portal issued a restore token", zap.String("restore_token", st.RestoreToken))
		}
	}
	return err
}

// exitError picks the command result once capture and the background tasks
// have stopped. A capture failure wins; otherwise the first background
// failure is reported. The portal closing the session and the sink reaching
// end of stream are normal exits.
func exitError(runErr, bgErr error) error {
	if runErr != nil && !errors.Is(runErr, capture.ErrSessionClosed) {
		return runErr
	}
	if bgErr != nil && !errors.Is(bgErr, gstsink.ErrEndOfStream) {
		return bgErr
	}
	return nil
}

func newSurface(cfg *config.Config, logger *zap.Logger) (render.Surface, error) {
	switch cfg.Render.Sink {
	case "headless":
		return &render.Headless{}, nil
	default:
		s, err := gstsink.New(cfg.Stream.FrameRate, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Report portal ScreenCast capabilities and PipeWire availability",
		Action: func(c *cli.Context) error {
			cc, err := newCommandContext(c)
			if err != nil {
				return err
			}
			defer cc.logger.Sync()

			bus, err := apis.Connect()
			if err != nil {
				return fmt.Errorf("connect session bus: %w", err)
			}
			defer bus.Close()

			caps, err := screencast.NewNegotiator(bus, nil, portalOptions(cc.cfg), cc.logger).Probe()
			if err != nil {
				return err
			}
			fmt.Printf("ScreenCast version:     %d\n", caps.Version)
			fmt.Printf("Available source types: %#x\n", caps.AvailableSourceTypes)
			fmt.Printf("Available cursor modes: %#x\n", caps.AvailableCursorModes)
			fmt.Printf("PipeWire library:       %t\n", pipewire.IsAvailable())
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("screenrelay\n")
			fmt.Printf("Version:    %s\n", Version)
			fmt.Printf("Commit:     %s\n", Commit)
			fmt.Printf("Build Date: %s\n", BuildDate)
			return nil
		},
	}
}
