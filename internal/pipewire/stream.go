package pipewire

import (
	"errors"
	"strconv"

	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/spa"
)

var (
	ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")
	ErrSetup            = errors.New("pipewire setup failed")
	ErrStreamFailed     = errors.New("pipewire stream failed")
	ErrClosed           = errors.New("pipewire stream closed")
)

type Options struct {
	Name      string
	Width     uint32
	Height    uint32
	FrameRate uint32

	Sink    spa.Sink
	Formats *spa.FormatNegotiator
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "screenrelay"
	}
	if o.Width == 0 {
		o.Width = 1920
	}
	if o.Height == 0 {
		o.Height = 1080
	}
	if o.FrameRate == 0 {
		o.FrameRate = 60
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// StreamState mirrors enum pw_stream_state.
type StreamState int

const (
	StateError       StreamState = -1
	StateUnconnected StreamState = 0
	StateConnecting  StreamState = 1
	StatePaused      StreamState = 2
	StateStreaming   StreamState = 3
)

func (s StreamState) String() string {
	switch s {
	case StateError:
		return "error"
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StatePaused:
		return "paused"
	case StateStreaming:
		return "streaming"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}
