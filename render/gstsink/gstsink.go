//go:build linux

// Package gstsink presents frames in a GStreamer window:
//
//	appsrc → videoconvert → autovideosink
//
// Caps follow the frames pushed into it, so the first Present configures the
// source.
package gstsink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"go2tv.app/screenrelay/render"
)

type Surface struct {
	pipeline *gst.Pipeline
	src      *app.Source
	log      *zap.Logger

	mu        sync.Mutex
	caps      string
	frameRate uint32
	closed    bool
}

// New builds the pipeline and sets it playing. frameRate only feeds the
// caps; timestamps come from appsrc.
func New(frameRate uint32, log *zap.Logger) (*Surface, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if frameRate == 0 {
		frameRate = 60
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(Description)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("failed to find appsrc: %w", err)
	}

	s := &Surface{
		pipeline:  pipeline,
		src:       app.SrcFromElement(elem),
		log:       log.Named("gstsink"),
		frameRate: frameRate,
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	return s, nil
}

func (s *Surface) Present(f *render.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	caps := Caps(f, s.frameRate)
	if caps != s.caps {
		s.src.SetCaps(gst.NewCapsFromString(caps))
		s.caps = caps
		s.log.Info("caps set", zap.String("caps", caps))
	}

	// The buffer keeps a reference to the bytes, so each push gets its own.
	data := f.AppendBytes(make([]byte, 0, f.ByteLen()))
	if ret := s.src.PushBuffer(gst.NewBufferFromBytes(data)); ret != gst.FlowOK {
		return fmt.Errorf("%w: push returned %v", ErrPush, ret)
	}
	return nil
}

// Watch reports pipeline failures until ctx is done. A window closed by the
// user arrives as an error or end of stream.
func (s *Surface) Watch(ctx context.Context) error {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Poll for messages with short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return ErrEndOfStream
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Error("pipeline error", zap.String("error", gerr.Error()), zap.String("debug", gerr.DebugString()))
			return fmt.Errorf("%w: %s", ErrPipeline, gerr.Error())
		}
	}
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.src.EndStream()
	return s.pipeline.SetState(gst.StateNull)
}
