// Package spa holds the cgo-free half of PipeWire stream negotiation: the
// media format model, the acceptance policy and buffer delivery.
package spa

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MediaType mirrors enum spa_media_type.
type MediaType uint32

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
	MediaTypeImage
	MediaTypeBinary
	MediaTypeStream
	MediaTypeApplication
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	case MediaTypeImage:
		return "image"
	case MediaTypeBinary:
		return "binary"
	case MediaTypeStream:
		return "stream"
	case MediaTypeApplication:
		return "application"
	default:
		return fmt.Sprintf("media_type(%d)", uint32(t))
	}
}

// MediaSubtype mirrors enum spa_media_subtype. Only raw matters here.
type MediaSubtype uint32

const (
	MediaSubtypeUnknown MediaSubtype = 0
	MediaSubtypeRaw     MediaSubtype = 1
)

func (s MediaSubtype) String() string {
	if s == MediaSubtypeRaw {
		return "raw"
	}
	return fmt.Sprintf("media_subtype(%d)", uint32(s))
}

// VideoFormat mirrors enum spa_video_format for the packed 32-bit formats
// this module asks for.
type VideoFormat uint32

const (
	VideoFormatUnknown VideoFormat = 0
	VideoFormatRGBx    VideoFormat = 7
	VideoFormatBGRx    VideoFormat = 8
	VideoFormatXRGB    VideoFormat = 9
	VideoFormatXBGR    VideoFormat = 10
	VideoFormatRGBA    VideoFormat = 11
	VideoFormatBGRA    VideoFormat = 12
	VideoFormatARGB    VideoFormat = 13
	VideoFormatABGR    VideoFormat = 14
)

// RequestedVideoFormats is the EnumFormat choice offered to the peer, in
// preference order.
var RequestedVideoFormats = []VideoFormat{
	VideoFormatBGRx,
	VideoFormatBGRA,
	VideoFormatRGBx,
	VideoFormatRGBA,
	VideoFormatXRGB,
	VideoFormatXBGR,
}

// String returns the GStreamer caps name of the format.
func (f VideoFormat) String() string {
	switch f {
	case VideoFormatRGBx:
		return "RGBx"
	case VideoFormatBGRx:
		return "BGRx"
	case VideoFormatXRGB:
		return "xRGB"
	case VideoFormatXBGR:
		return "xBGR"
	case VideoFormatRGBA:
		return "RGBA"
	case VideoFormatBGRA:
		return "BGRA"
	case VideoFormatARGB:
		return "ARGB"
	case VideoFormatABGR:
		return "ABGR"
	default:
		return fmt.Sprintf("video_format(%d)", uint32(f))
	}
}

// BytesPerPixel is 4 for every packed format above and 0 otherwise.
func (f VideoFormat) BytesPerPixel() int {
	if f >= VideoFormatRGBx && f <= VideoFormatABGR {
		return 4
	}
	return 0
}

func (t MediaType) MarshalText() ([]byte, error)    { return []byte(t.String()), nil }
func (s MediaSubtype) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (f VideoFormat) MarshalText() ([]byte, error)  { return []byte(f.String()), nil }

type Fraction struct {
	Num   uint32 `json:"num"`
	Denom uint32 `json:"denom"`
}

// Format is a parsed SPA_PARAM_Format proposal.
type Format struct {
	MediaType    MediaType    `json:"media_type"`
	MediaSubtype MediaSubtype `json:"media_subtype"`
	VideoFormat  VideoFormat  `json:"video_format"`
	Width        uint32       `json:"width"`
	Height       uint32       `json:"height"`
	FrameRate    Fraction     `json:"framerate"`
}

// Compatible reports whether the proposal is raw video.
func (f Format) Compatible() bool {
	return f.MediaType == MediaTypeVideo && f.MediaSubtype == MediaSubtypeRaw
}

func (f Format) Fields() []zap.Field {
	return []zap.Field{
		zap.Stringer("media_type", f.MediaType),
		zap.Stringer("media_subtype", f.MediaSubtype),
		zap.Stringer("video_format", f.VideoFormat),
		zap.Uint32("width", f.Width),
		zap.Uint32("height", f.Height),
		zap.String("framerate", fmt.Sprintf("%d/%d", f.FrameRate.Num, f.FrameRate.Denom)),
	}
}

const DefaultMismatchWarnAfter = 8

// FormatNegotiator decides which proposals the stream accepts. The first
// compatible proposal wins and is never replaced.
type FormatNegotiator struct {
	warnAfter int
	log       *zap.Logger

	mu       sync.Mutex
	accepted *Format
	ready    chan struct{}

	mismatches atomic.Int64
	warned     atomic.Bool
}

func NewFormatNegotiator(warnAfter int, log *zap.Logger) *FormatNegotiator {
	if log == nil {
		log = zap.NewNop()
	}
	if warnAfter <= 0 {
		warnAfter = DefaultMismatchWarnAfter
	}
	return &FormatNegotiator{
		warnAfter: warnAfter,
		log:       log.Named("format"),
		ready:     make(chan struct{}),
	}
}

// Propose handles one param-changed callback and reports whether the proposal
// is the accepted format. Incompatible proposals are ignored so the peer can
// re-propose.
func (n *FormatNegotiator) Propose(f Format) bool {
	if !f.Compatible() {
		count := n.mismatches.Add(1)
		n.log.Debug("ignoring incompatible format", f.Fields()...)

		n.mu.Lock()
		accepted := n.accepted != nil
		n.mu.Unlock()
		if !accepted && count >= int64(n.warnAfter) && n.warned.CompareAndSwap(false, true) {
			n.log.Warn("no compatible format offered yet; stream will stay idle",
				zap.Int64("mismatched_proposals", count))
		}
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.accepted != nil {
		same := *n.accepted == f
		if !same {
			n.log.Debug("keeping first accepted format", f.Fields()...)
		}
		return same
	}
	accepted := f
	n.accepted = &accepted
	close(n.ready)
	n.log.Info("format accepted", f.Fields()...)
	return true
}

func (n *FormatNegotiator) Accepted() (Format, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.accepted == nil {
		return Format{}, false
	}
	return *n.accepted, true
}

// Ready is closed once a format has been accepted.
func (n *FormatNegotiator) Ready() <-chan struct{} {
	return n.ready
}

func (n *FormatNegotiator) Mismatches() int {
	return int(n.mismatches.Load())
}
