package gstsink

import (
	"testing"

	"go2tv.app/screenrelay/internal/spa"
	"go2tv.app/screenrelay/render"
)

func TestCaps(t *testing.T) {
	f := render.NewFrame(1920, 1080, spa.VideoFormatBGRx)
	want := "video/x-raw,format=BGRx,width=1920,height=1080,framerate=60/1"
	if got := Caps(f, 60); got != want {
		t.Fatalf("Caps = %q, want %q", got, want)
	}

	f.Resize(640, 480, spa.VideoFormatRGBA)
	want = "video/x-raw,format=RGBA,width=640,height=480,framerate=30/1"
	if got := Caps(f, 30); got != want {
		t.Fatalf("Caps = %q, want %q", got, want)
	}
}
