package render

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/logging"
	"go2tv.app/screenrelay/internal/spa"
	"go2tv.app/screenrelay/relay"
)

const DefaultRedrawInterval = 16 * time.Millisecond

// Source is the read side of the relay.
type Source interface {
	TryConsume() (relay.FrameReady, bool)
	View(fn func(src []byte, gen uint64))
}

type Formats interface {
	Accepted() (spa.Format, bool)
}

// Surface presents frames. Present must not retain f.
type Surface interface {
	Present(f *Frame) error
	Close() error
}

type Loop struct {
	src      Source
	formats  Formats
	surface  Surface
	interval time.Duration
	log      *zap.Logger

	frame       *Frame
	presented   atomic.Uint64
	mismatched  atomic.Uint64
	lastSizeLog atomic.Int64
}

func NewLoop(src Source, formats Formats, surface Surface, interval time.Duration, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultRedrawInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		src:      src,
		formats:  formats,
		surface:  surface,
		interval: interval,
		log:      log.Named("render"),
		frame:    &Frame{},
	}
}

// Run redraws on every tick that has a new frame until ctx is done. It
// returns nil on cancellation and the surface error if presenting fails.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Redraw(); err != nil {
				return err
			}
		}
	}
}

// Redraw presents the newest frame if one arrived since the last call.
func (l *Loop) Redraw() error {
	if _, ok := l.src.TryConsume(); !ok {
		return nil
	}
	format, ok := l.formats.Accepted()
	if !ok || format.VideoFormat.BytesPerPixel() == 0 {
		return nil
	}
	l.frame.Resize(int(format.Width), int(format.Height), format.VideoFormat)

	var copyErr error
	l.src.View(func(src []byte, gen uint64) {
		_, copyErr = l.frame.CopyFrom(src)
	})
	if errors.Is(copyErr, ErrFrameSize) {
		total := l.mismatched.Add(1)
		if logging.Every(&l.lastSizeLog, time.Second) {
			l.log.Warn("frame size mismatch", zap.Error(copyErr), zap.Uint64("total", total))
		}
	}

	if err := l.surface.Present(l.frame); err != nil {
		return err
	}
	l.presented.Add(1)
	return nil
}

func (l *Loop) Presented() uint64 {
	return l.presented.Load()
}
