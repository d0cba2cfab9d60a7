package ipc

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Conn exchanges framed, encoded messages over a byte stream. Both the
// daemon and the client use it; it is not safe for concurrent use.
type Conn struct {
	rwc      io.ReadWriteCloser
	maxFrame uint32
}

// NewConn wraps an established stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, maxFrame: DefaultMaxFrameSize}
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return NewConn(c), nil
}

// SetMaxFrameSize changes the payload size limit for both directions.
func (c *Conn) SetMaxFrameSize(n uint32) {
	if n > 0 {
		c.maxFrame = n
	}
}

// Send encodes msg and writes it as one frame. Encoding failures and
// payloads over the size limit are returned as is, with nothing written;
// write failures are returned as *ConnError.
func (c *Conn) Send(msg any, refs Referencer) error {
	payload, err := Marshal(msg, refs)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(c.maxFrame) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if err := WriteFrameLimit(c.rwc, payload, c.maxFrame); err != nil {
		return &ConnError{Op: "write", Err: err}
	}
	return nil
}

// Receive reads one frame and decodes it. Read failures are returned as
// *ConnError; undecodable payloads as a protocol *RemoteError.
func (c *Conn) Receive(resolve Resolver) (any, error) {
	payload, err := ReadFrameLimit(c.rwc, c.maxFrame)
	if err != nil {
		return nil, &ConnError{Op: "read", Err: err}
	}
	return Unmarshal(payload, resolve)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
