package gstsink

import (
	"errors"
	"fmt"

	"go2tv.app/screenrelay/render"
)

var (
	ErrUnavailable = errors.New("gstreamer sink is only available on linux")
	ErrClosed      = errors.New("gstreamer sink closed")
	ErrPush        = errors.New("gstreamer push failed")
	ErrPipeline    = errors.New("gstreamer pipeline error")
	ErrEndOfStream = errors.New("gstreamer end of stream")
)

const Description = "appsrc name=src is-live=true do-timestamp=true format=time ! " +
	"videoconvert ! autovideosink sync=false"

// Caps describes f as raw video caps.
func Caps(f *render.Frame, frameRate uint32) string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		f.Format, f.Width, f.Height, frameRate)
}
