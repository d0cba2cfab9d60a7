package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

var peerUIDFn = peerUID

// ErrPeerRejected is returned when the connecting peer runs as a user the
// daemon was not started for.
var ErrPeerRejected = errors.New("ipc: peer uid mismatch")

// Listener accepts the single client connection a daemon serves.
type Listener struct {
	socketPath string
	allowUID   int
	ln         *net.UnixListener
}

// Listen creates the daemon socket. The socket file is restricted to mode
// 0600 and, when running as root, handed to allowUID so that user can
// connect. A negative allowUID means the current user.
func Listen(socketPath string, allowUID int) (*Listener, error) {
	if allowUID < 0 {
		allowUID = os.Getuid()
	}

	// Remove stale socket
	os.Remove(socketPath)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	ln.SetUnlinkOnClose(true)

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	if os.Geteuid() == 0 && allowUID != 0 {
		if err := os.Chown(socketPath, allowUID, -1); err != nil {
			ln.Close()
			return nil, fmt.Errorf("setting socket owner: %w", err)
		}
	}

	return &Listener{socketPath: socketPath, allowUID: allowUID, ln: ln}, nil
}

// Addr returns the socket path.
func (l *Listener) Addr() string {
	return l.socketPath
}

// AcceptOne waits for one connection, then stops listening and removes the
// socket file. A zero timeout waits forever. The peer must run as the
// allowed uid or as root.
func (l *Listener) AcceptOne(timeout time.Duration) (net.Conn, error) {
	defer l.Close()

	if timeout > 0 {
		if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("setting accept deadline: %w", err)
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	uid, err := peerUIDFn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer uid check failed: %w", err)
	}
	if uid != 0 && uid != uint32(l.allowUID) {
		conn.Close()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrPeerRejected, uid, l.allowUID)
	}
	return conn, nil
}

// Close stops listening. It is safe to call more than once.
func (l *Listener) Close() {
	if l.ln != nil {
		l.ln.Close()
	}
}
