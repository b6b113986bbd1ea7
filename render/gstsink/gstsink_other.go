//go:build !linux

package gstsink

import (
	"context"

	"go.uber.org/zap"

	"go2tv.app/screenrelay/render"
)

type Surface struct{}

func New(frameRate uint32, log *zap.Logger) (*Surface, error) {
	return nil, ErrUnavailable
}

func (s *Surface) Present(f *render.Frame) error { return ErrUnavailable }

func (s *Surface) Watch(ctx context.Context) error { return ErrUnavailable }

func (s *Surface) Close() error { return nil }
