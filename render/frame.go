// Package render is the consumer side of the relay: a redraw loop that copies
// the newest frame into a typed pixel surface and presents it.
package render

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go2tv.app/screenrelay/internal/spa"
)

var ErrFrameSize = errors.New("frame size does not match surface")

// Frame is a packed 32-bit pixel surface. Each pixel holds the four source
// bytes in little-endian order, so the channel layout is Format's.
type Frame struct {
	Width  int
	Height int
	Format spa.VideoFormat
	Pixels []uint32
}

func NewFrame(width, height int, format spa.VideoFormat) *Frame {
	f := &Frame{}
	f.Resize(width, height, format)
	return f
}

// Resize reshapes the frame, reusing pixel storage when it is large enough.
func (f *Frame) Resize(width, height int, format spa.VideoFormat) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	n := width * height
	if cap(f.Pixels) < n {
		f.Pixels = make([]uint32, n)
	}
	f.Pixels = f.Pixels[:n]
	f.Width, f.Height, f.Format = width, height, format
}

// ByteLen is the size of the frame in its packed byte form.
func (f *Frame) ByteLen() int {
	return len(f.Pixels) * 4
}

// CopyFrom decodes src into the frame and returns the number of pixels
// written. When src and the frame differ in size the overlapping prefix is
// copied and ErrFrameSize is returned; trailing partial pixels are ignored.
func (f *Frame) CopyFrom(src []byte) (int, error) {
	n := len(src) / 4
	if n > len(f.Pixels) {
		n = len(f.Pixels)
	}
	for i := 0; i < n; i++ {
		f.Pixels[i] = binary.LittleEndian.Uint32(src[i*4 : i*4+4])
	}
	if len(src) != f.ByteLen() {
		return n, fmt.Errorf("%w: got %d bytes, surface is %dx%d (%d bytes)",
			ErrFrameSize, len(src), f.Width, f.Height, f.ByteLen())
	}
	return n, nil
}

// AppendBytes appends the packed bytes of the frame to dst.
func (f *Frame) AppendBytes(dst []byte) []byte {
	for _, p := range f.Pixels {
		dst = binary.LittleEndian.AppendUint32(dst, p)
	}
	return dst
}
