//go:build !linux

package pipewire

import "context"

type Stream struct{}

func IsAvailable() bool {
	return false
}

func NewStream(fd int, nodeID uint32, opts Options) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Run(ctx context.Context) error {
	return ErrLibraryNotLoaded
}

func (s *Stream) Stop() {}

func (s *Stream) EmptyFrames() uint64 {
	return 0
}

func (s *Stream) Close() error {
	return nil
}
