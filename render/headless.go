package render

import "sync"

// Headless keeps the last presented frame in memory. It backs the headless
// sink and tests.
type Headless struct {
	mu       sync.Mutex
	last     Frame
	presents uint64
	closed   bool
}

func (h *Headless) Present(f *Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last.Resize(f.Width, f.Height, f.Format)
	copy(h.last.Pixels, f.Pixels)
	h.presents++
	return nil
}

func (h *Headless) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *Headless) Presents() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presents
}

// Last returns a copy of the most recent frame.
func (h *Headless) Last() Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := Frame{Width: h.last.Width, Height: h.last.Height, Format: h.last.Format}
	f.Pixels = append([]uint32(nil), h.last.Pixels...)
	return f
}

func (h *Headless) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
