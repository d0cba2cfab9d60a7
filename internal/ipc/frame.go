package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderLen is the size of the big-endian length prefix.
const FrameHeaderLen = 4

// DefaultMaxFrameSize bounds a single payload unless configured otherwise.
const DefaultMaxFrameSize = 64 << 20

var (
	// ErrEndOfStream is returned when the peer closes the stream before a full
	// frame has been read.
	ErrEndOfStream = errors.New("ipc: end of stream")
	// ErrFrameTooLarge is returned when a frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("ipc: frame too large")
)

// WriteFrame writes payload prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	return WriteFrameLimit(w, payload, DefaultMaxFrameSize)
}

// WriteFrameLimit is WriteFrame with an explicit payload size limit.
func WriteFrameLimit(w io.Writer, payload []byte, limit uint32) error {
	if uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:FrameHeaderLen], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)

	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read and returns its
// payload. Short reads are retried until the frame is complete.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, DefaultMaxFrameSize)
}

// ReadFrameLimit is ReadFrame with an explicit payload size limit.
func ReadFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, endOfStream(err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, endOfStream(err)
	}
	return payload, nil
}

func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return err
}
