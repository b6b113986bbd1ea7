//go:build unix

package spa

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

var (
	ErrEmptyFrame       = errors.New("buffer carries no frame data")
	ErrUnreadableBuffer = errors.New("buffer data is neither mapped nor a readable memfd")
)

// DataType mirrors enum spa_data_type.
type DataType uint32

const (
	DataTypeInvalid DataType = iota
	DataTypeMemPtr
	DataTypeMemFd
	DataTypeDmaBuf
	DataTypeMemID
)

// BufferView describes datas[0] of a dequeued pw_buffer. It is only valid
// until the buffer is queued back, so nothing in it may be retained.
type BufferView struct {
	NDatas      uint32
	Data        []byte // mapped chunk bytes, nil when the data is not mapped
	FD          int    // borrowed; never closed here
	Type        DataType
	MapOffset   uint32
	ChunkOffset uint32
	ChunkSize   uint32
	MaxSize     uint32
	// Stride is the chunk's row pitch. RowBytes is width times bytes per
	// pixel of the accepted format. When Stride exceeds RowBytes the rows
	// are packed on delivery; zero for either means the chunk is tight.
	Stride   int32
	RowBytes uint32
}

// rows returns the row count and pitch to pack with, or 0 rows when the
// chunk can be copied as is.
func (v BufferView) rows() (int, int) {
	if v.Stride <= 0 || v.RowBytes == 0 || uint32(v.Stride) <= v.RowBytes {
		return 0, 0
	}
	stride := int(v.Stride)
	rows := int(v.ChunkSize) / stride
	// The last row may come without its padding.
	if int(v.ChunkSize)%stride >= int(v.RowBytes) {
		rows++
	}
	return rows, stride
}

// Deliver copies the frame described by v into sink. Mapped memory is copied
// directly; otherwise the memfd is read at its chunk offset.
func Deliver(v BufferView, sink Sink) error {
	if v.NDatas == 0 || v.ChunkSize == 0 {
		return ErrEmptyFrame
	}
	n := int(v.ChunkSize)
	rows, stride := v.rows()
	row := int(v.RowBytes)
	out := n
	if rows > 0 {
		out = rows * row
	}

	if v.Data != nil {
		if len(v.Data) < n {
			return fmt.Errorf("%w: mapped %d bytes, chunk is %d", ErrUnreadableBuffer, len(v.Data), n)
		}
		return sink.PublishFrom(out, func(dst []byte) error {
			if rows == 0 {
				copy(dst, v.Data[:n])
				return nil
			}
			for i := 0; i < rows; i++ {
				copy(dst[i*row:(i+1)*row], v.Data[i*stride:i*stride+row])
			}
			return nil
		})
	}

	if v.FD < 0 || v.Type != DataTypeMemFd {
		return fmt.Errorf("%w: type %d fd %d", ErrUnreadableBuffer, v.Type, v.FD)
	}
	if v.MaxSize > 0 && uint64(v.ChunkOffset)+uint64(v.ChunkSize) > uint64(v.MaxSize) {
		return fmt.Errorf("%w: chunk %d+%d exceeds maxsize %d", ErrUnreadableBuffer, v.ChunkOffset, v.ChunkSize, v.MaxSize)
	}
	offset := int64(v.MapOffset) + int64(v.ChunkOffset)
	return sink.PublishFrom(out, func(dst []byte) error {
		if rows == 0 {
			return preadFull(v.FD, dst, offset)
		}
		for i := 0; i < rows; i++ {
			if err := preadFull(v.FD, dst[i*row:(i+1)*row], offset+int64(i*stride)); err != nil {
				return err
			}
		}
		return nil
	})
}

func preadFull(fd int, dst []byte, offset int64) error {
	for len(dst) > 0 {
		n, err := unix.Pread(fd, dst, offset)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pread fd %d: %w", fd, err)
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		dst = dst[n:]
		offset += int64(n)
	}
	return nil
}
