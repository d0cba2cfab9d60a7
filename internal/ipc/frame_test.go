package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := []byte("get_disks")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); got != uint32(len(payload)) {
		t.Fatalf("length prefix = %d, want %d", got, len(payload))
	}

	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload = %q, want %q", out, payload)
	}
}

func TestReadFrameReassemblesOneByteReads(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 1000)} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	r := iotest.OneByteReader(&buf)
	for i, want := range []int{5, 0, 1000} {
		out, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(out) != want {
			t.Fatalf("frame %d length = %d, want %d", i, len(out), want)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("read past end: %v, want ErrEndOfStream", err)
	}
}

type oneByteWriter struct {
	buf bytes.Buffer
}

func (w *oneByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return w.buf.Write(p[:1])
}

func TestWriteFrameLoopsOnShortWrites(t *testing.T) {
	w := &oneByteWriter{}
	if err := WriteFrame(w, []byte("partial")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&w.buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(out) != "partial" {
		t.Fatalf("payload = %q, want %q", out, "partial")
	}
}

func TestReadFrameEndOfStream(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short prefix", []byte{0, 0}},
		{"short payload", []byte{0, 0, 0, 5, 'a', 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrEndOfStream) {
				t.Fatalf("ReadFrame() error = %v, want ErrEndOfStream", err)
			}
		})
	}
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	data := []byte{0, 0, 1, 0}
	_, err := ReadFrameLimit(bytes.NewReader(data), 16)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrameLimit() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrameLimit(io.Discard, make([]byte, 17), 16)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrameLimit() error = %v, want ErrFrameTooLarge", err)
	}
}
