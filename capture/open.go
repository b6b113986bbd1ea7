package capture

import (
	"time"

	"go2tv.app/screenrelay/internal/pipewire"
	"go2tv.app/screenrelay/screencast"
)

// Config is what Open needs beyond the bus connection.
type Config struct {
	Portal screencast.Options
	// Stream carries name, size hint and frame rate. Sink, Formats and
	// Logger are filled in by Open.
	Stream            pipewire.Options
	MismatchWarnAfter int
	FirstFrameTimeout time.Duration
}
