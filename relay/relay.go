// Package relay hands the newest captured frame from the capture thread to a
// render consumer through a single overwrite-on-write slot.
//
// Publishing never waits on the consumer: the slot lock is held only for the
// memory copy, and the "frame ready" notification is a one-element channel
// whose fullness simply means the consumer has not looked yet. A frame the
// consumer did not read before the next publish is lost.
package relay

import (
	"sync"
	"sync/atomic"
)

// FrameReady tells the consumer a frame newer than its last read is waiting.
type FrameReady struct {
	Generation uint64
}

type Stats struct {
	Published   uint64 `json:"published"`
	Overwritten uint64 `json:"overwritten"`
	Coalesced   uint64 `json:"coalesced"`
	Generation  uint64 `json:"generation"`
	Bytes       int    `json:"bytes"`
}

type Relay struct {
	mu       sync.Mutex
	buf      []byte
	gen      uint64
	consumed uint64

	ready chan struct{}

	published   atomic.Uint64
	overwritten atomic.Uint64
	coalesced   atomic.Uint64
}

func New() *Relay {
	return &Relay{ready: make(chan struct{}, 1)}
}

// Publish copies b into the slot, replacing whatever was there.
func (r *Relay) Publish(b []byte) {
	_ = r.PublishFrom(len(b), func(dst []byte) error {
		copy(dst, b)
		return nil
	})
}

// PublishFrom resizes the slot to n bytes and lets fill write into it under
// the slot lock. If fill fails the slot is emptied and any pending
// notification is withdrawn, since fill may have written part of a frame
// over the previous one.
func (r *Relay) PublishFrom(n int, fill func(dst []byte) error) error {
	if n < 0 {
		n = 0
	}

	r.mu.Lock()
	if cap(r.buf) < n {
		grown := make([]byte, n)
		copy(grown, r.buf)
		r.buf = grown
	}
	r.buf = r.buf[:n]
	if err := fill(r.buf); err != nil {
		r.buf = r.buf[:0]
		select {
		case <-r.ready:
		default:
		}
		r.consumed = r.gen
		r.mu.Unlock()
		return err
	}
	if r.gen != r.consumed {
		r.overwritten.Add(1)
	}
	r.gen++
	r.mu.Unlock()

	r.published.Add(1)
	r.notify()
	return nil
}

func (r *Relay) notify() {
	select {
	case r.ready <- struct{}{}:
	default:
		r.coalesced.Add(1)
	}
}

// TryConsume reports, without blocking, whether a frame arrived since the
// last call that returned true.
func (r *Relay) TryConsume() (FrameReady, bool) {
	select {
	case <-r.ready:
	default:
		return FrameReady{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed = r.gen
	return FrameReady{Generation: r.gen}, true
}

// Ready exposes the notification channel for select-driven consumers.
// Receiving from it consumes the notification like TryConsume does.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// View runs fn with the current slot contents under the slot lock. fn must
// copy what it needs and return promptly; src is invalid after it returns.
func (r *Relay) View(fn func(src []byte, generation uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed = r.gen
	fn(r.buf, r.gen)
}

// ReadInto copies the slot into dst, growing it as needed.
func (r *Relay) ReadInto(dst []byte) ([]byte, uint64) {
	var gen uint64
	r.View(func(src []byte, g uint64) {
		dst = append(dst[:0], src...)
		gen = g
	})
	return dst, gen
}

func (r *Relay) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	gen, size := r.gen, len(r.buf)
	r.mu.Unlock()
	return Stats{
		Published:   r.published.Load(),
		Overwritten: r.overwritten.Load(),
		Coalesced:   r.coalesced.Load(),
		Generation:  gen,
		Bytes:       size,
	}
}
