//go:build unix

package spa

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

type captureSink struct {
	got   []byte
	calls int
}

func (s *captureSink) PublishFrom(n int, fill func(dst []byte) error) error {
	s.calls++
	buf := make([]byte, n)
	if err := fill(buf); err != nil {
		return err
	}
	s.got = buf
	return nil
}

func TestDeliverEmptyFrame(t *testing.T) {
	tests := []struct {
		name string
		view BufferView
	}{
		{"no datas", BufferView{NDatas: 0, FD: -1}},
		{"zero chunk", BufferView{NDatas: 1, Data: []byte{}, FD: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			if err := Deliver(tt.view, sink); !errors.Is(err, ErrEmptyFrame) {
				t.Fatalf("err = %v, want ErrEmptyFrame", err)
			}
			if sink.calls != 0 {
				t.Errorf("empty frame was published")
			}
		})
	}
}

func TestDeliverMapped(t *testing.T) {
	data := []byte("0123456789")
	sink := &captureSink{}
	err := Deliver(BufferView{NDatas: 1, Data: data, FD: -1, Type: DataTypeMemPtr, ChunkSize: 4}, sink)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(sink.got) != "0123" {
		t.Errorf("got %q", sink.got)
	}

	err = Deliver(BufferView{NDatas: 1, Data: data[:2], FD: -1, ChunkSize: 4}, sink)
	if !errors.Is(err, ErrUnreadableBuffer) {
		t.Errorf("short mapping err = %v", err)
	}
}

func TestDeliverFromMemfdBorrowsDescriptor(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "frame")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 64)
	if _, err := f.Write(append(bytes.Repeat([]byte{0}, 16), payload...)); err != nil {
		t.Fatal(err)
	}

	view := BufferView{
		NDatas:      1,
		FD:          int(f.Fd()),
		Type:        DataTypeMemFd,
		MapOffset:   8,
		ChunkOffset: 8,
		ChunkSize:   uint32(len(payload)),
		MaxSize:     uint32(8 + len(payload)),
	}
	for i := 0; i < 2; i++ {
		sink := &captureSink{}
		if err := Deliver(view, sink); err != nil {
			t.Fatalf("Deliver #%d: %v", i, err)
		}
		if !bytes.Equal(sink.got, payload) {
			t.Fatalf("Deliver #%d copied %x", i, sink.got)
		}
	}

	// The descriptor must still be open and usable by its owner.
	if _, err := f.Stat(); err != nil {
		t.Fatalf("descriptor closed by Deliver: %v", err)
	}
}

func TestDeliverRejectsUnreadable(t *testing.T) {
	tests := []struct {
		name string
		view BufferView
	}{
		{"dmabuf", BufferView{NDatas: 1, FD: 3, Type: DataTypeDmaBuf, ChunkSize: 4}},
		{"no fd", BufferView{NDatas: 1, FD: -1, Type: DataTypeMemFd, ChunkSize: 4}},
		{"chunk past maxsize", BufferView{NDatas: 1, FD: 3, Type: DataTypeMemFd, ChunkOffset: 8, ChunkSize: 8, MaxSize: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Deliver(tt.view, &captureSink{}); !errors.Is(err, ErrUnreadableBuffer) {
				t.Fatalf("err = %v, want ErrUnreadableBuffer", err)
			}
		})
	}
}

// paddedRows builds rows of rowBytes pixels bytes, each followed by pad
// bytes of 0xEE, and returns the chunk plus its packed form.
func paddedRows(rows, rowBytes, pad int, lastPadded bool) (chunk, packed []byte) {
	for i := 0; i < rows; i++ {
		line := bytes.Repeat([]byte{byte(i + 1)}, rowBytes)
		chunk = append(chunk, line...)
		packed = append(packed, line...)
		if i < rows-1 || lastPadded {
			chunk = append(chunk, bytes.Repeat([]byte{0xEE}, pad)...)
		}
	}
	return chunk, packed
}

func TestDeliverPacksPaddedRows(t *testing.T) {
	tests := []struct {
		name       string
		lastPadded bool
	}{
		{"every row padded", true},
		{"last row unpadded", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, packed := paddedRows(3, 8, 4, tt.lastPadded)
			sink := &captureSink{}
			err := Deliver(BufferView{
				NDatas:    1,
				Data:      chunk,
				FD:        -1,
				Type:      DataTypeMemPtr,
				ChunkSize: uint32(len(chunk)),
				Stride:    12,
				RowBytes:  8,
			}, sink)
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if !bytes.Equal(sink.got, packed) {
				t.Fatalf("got %x, want %x", sink.got, packed)
			}
		})
	}
}

func TestDeliverTightStrideCopiesChunk(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 32)
	sink := &captureSink{}
	err := Deliver(BufferView{NDatas: 1, Data: data, FD: -1, ChunkSize: 32, Stride: 8, RowBytes: 8}, sink)
	if err != nil || !bytes.Equal(sink.got, data) {
		t.Fatalf("Deliver = %v, got %x", err, sink.got)
	}
}

func TestDeliverPacksPaddedRowsFromMemfd(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "frame")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	chunk, packed := paddedRows(4, 16, 16, true)
	if _, err := f.Write(append(bytes.Repeat([]byte{0}, 4), chunk...)); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	err = Deliver(BufferView{
		NDatas:      1,
		FD:          int(f.Fd()),
		Type:        DataTypeMemFd,
		ChunkOffset: 4,
		ChunkSize:   uint32(len(chunk)),
		MaxSize:     uint32(4 + len(chunk)),
		Stride:      32,
		RowBytes:    16,
	}, sink)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !bytes.Equal(sink.got, packed) {
		t.Fatalf("got %x, want %x", sink.got, packed)
	}
}
