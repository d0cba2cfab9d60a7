package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
	"github.com/storaged-project/blivet-gui-sub000/internal/paths"
)

const (
	dialTimeout  = 500 * time.Millisecond
	pollInterval = 50 * time.Millisecond
)

var (
	acquireSpawnLockFn = acquireSpawnLock
	spawnDaemonFn      = spawnDaemon
	waitForDaemonFn    = waitForDaemon
	executableFn       = os.Executable
	execCommandFn      = exec.Command
)

// LaunchOptions describes how the client starts its daemon.
type LaunchOptions struct {
	Socket       string
	Elevate      []string
	ConfigPath   string
	LogFile      string
	StartTimeout time.Duration
	MaxFrameSize uint32
}

// ErrDaemonExited is returned when the daemon process ends before it
// accepted the connection, e.g. because elevation was refused.
var ErrDaemonExited = errors.New("daemon exited before accepting the connection")

// Launch starts a daemon for the current user and connects to it. Launches
// by the same user are serialized so two clients never race for one socket.
func Launch(opts LaunchOptions) (*ipc.Conn, error) {
	if opts.Socket == "" {
		opts.Socket = paths.SocketPath()
	}
	if err := checkElevation(opts.Elevate); err != nil {
		return nil, err
	}
	if err := paths.EnsureDir(filepath.Dir(opts.Socket)); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}

	releaseLock, err := acquireSpawnLockFn(paths.SpawnLockPath())
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer releaseLock() //nolint:errcheck

	// A socket left behind by a crashed daemon would accept nothing.
	_ = os.Remove(opts.Socket)

	exited, err := spawnDaemonFn(opts)
	if err != nil {
		return nil, err
	}

	conn, err := waitForDaemonFn(opts.Socket, opts.StartTimeout, exited)
	if err != nil {
		return nil, err
	}
	conn.SetMaxFrameSize(opts.MaxFrameSize)
	return conn, nil
}

func acquireSpawnLock(path string) (func() error, error) {
	if err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		closeErr := lockFile.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

// spawnDaemon starts the daemon process. The returned channel receives the
// process exit status.
func spawnDaemon(opts LaunchOptions) (<-chan error, error) {
	exe, err := executableFn()
	if err != nil {
		return nil, fmt.Errorf("finding executable: %w", err)
	}

	cmd, cleanup, err := newDaemonCommand(exe, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	return exited, nil
}

// daemonArgs returns the full argv: the elevation prefix, then the daemon
// entry point of exe.
func daemonArgs(exe string, opts LaunchOptions) []string {
	args := append([]string(nil), opts.Elevate...)
	args = append(args, exe, Command,
		"--socket", opts.Socket,
		"--uid", strconv.Itoa(os.Getuid()),
	)
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.LogFile != "" {
		args = append(args, "--log-file", opts.LogFile)
	}
	return args
}

func newDaemonCommand(exe string, opts LaunchOptions) (*exec.Cmd, func(), error) {
	argv := daemonArgs(exe, opts)
	cmd := execCommandFn(argv[0], argv[1:]...)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}

	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	return cmd, func() {
		_ = devNull.Close()
	}, nil
}

func waitForDaemon(socket string, timeout time.Duration, exited <-chan error) (*ipc.Conn, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDaemonExited, err)
			}
			return nil, ErrDaemonExited
		default:
		}

		if conn, err := ipc.Dial(socket, dialTimeout); err == nil {
			return conn, nil
		}
		time.Sleep(pollInterval)
	}
	return nil, fmt.Errorf("daemon did not start within %s", timeout)
}
