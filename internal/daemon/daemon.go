package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/storaged-project/blivet-gui-sub000/internal/config"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine/devicetree"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine/mcpengine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
	"github.com/storaged-project/blivet-gui-sub000/internal/logging"
	"github.com/storaged-project/blivet-gui-sub000/internal/paths"
)

// Command is the hidden argv[1] that starts the daemon.
const Command = "__daemon"

// systemLockPath is the resource lock used by a root daemon when no lock
// file is configured, so daemons launched by different users exclude each
// other.
const systemLockPath = "/run/blivetctl.lock"

var (
	loadConfigFn    = config.LoadFrom
	openLogFn       = logging.OpenFile
	engineFactoryFn = engineFactory
)

// RunOptions configures one daemon process.
type RunOptions struct {
	Socket   string
	AllowUID int
	Config   *config.Config
	Logger   zerolog.Logger

	// Factory overrides the engine selected by Config.
	Factory engine.Factory
}

// Main parses the daemon command line and runs the daemon. Called when
// argv[1] == "__daemon".
func Main(args []string) error {
	fs := pflag.NewFlagSet(Command, pflag.ContinueOnError)
	socket := fs.String("socket", "", "socket path to listen on")
	uid := fs.Int("uid", -1, "uid of the user allowed to connect")
	configPath := fs.String("config", paths.ConfigFile(), "config file")
	logFile := fs.String("log-file", "", "log file (default $XDG_STATE_HOME/blivetctl/daemon.log)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if *socket == "" {
		*socket = cfg.Daemon.SocketPath()
	}
	if *logFile == "" {
		*logFile = paths.DaemonLogPath()
	}

	logger, closer, err := openLogFn("blivetctl-daemon", *logFile, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = Run(ctx, RunOptions{
		Socket:   *socket,
		AllowUID: *uid,
		Config:   cfg,
		Logger:   logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("daemon failed")
	}
	return err
}

// Run listens on the socket, serves exactly one connection and returns when
// that connection ends. Cancelling ctx closes the connection.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Component(opts.Logger, "daemon")

	factory := opts.Factory
	if factory == nil {
		var err error
		if factory, err = engineFactoryFn(cfg, opts.Logger); err != nil {
			return err
		}
	}

	if err := paths.EnsureDir(filepath.Dir(opts.Socket)); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	ln, err := ipc.Listen(opts.Socket, opts.AllowUID)
	if err != nil {
		return err
	}
	log.Info().Str("socket", ln.Addr()).Int("uid", opts.AllowUID).Msg("listening")

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.AcceptOne(cfg.Daemon.StartTimeoutDuration())
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		ln.Close()
		log.Info().Msg("shutting down before a client connected")
		return nil
	case err := <-acceptErr:
		return err
	case conn = <-accepted:
	}
	log.Info().Msg("client connected")

	var closedByUs atomic.Bool
	closeConn := func(reason string) {
		if closedByUs.CompareAndSwap(false, true) {
			log.Info().Str("reason", reason).Msg("closing connection")
			conn.Close()
		}
	}

	watchdog := NewWatchdog(cfg.Daemon.IdleTimeoutDuration(), func() {
		closeConn("idle timeout")
	})
	defer watchdog.Stop()

	stopWatch := context.AfterFunc(ctx, func() {
		closeConn("signal")
	})
	defer stopWatch()

	d := NewDispatcher(conn, DispatcherConfig{
		Factory:      factory,
		Lock:         NewResourceLock(lockPath(cfg)),
		Logger:       opts.Logger,
		MaxFrameSize: cfg.Daemon.MaxFrameBytes(),
		Idle:         watchdog,
	})
	err = d.Serve(ctx)
	if err != nil && closedByUs.Load() {
		return nil
	}
	log.Info().Msg("connection finished")
	return err
}

func lockPath(cfg *config.Config) string {
	if cfg.Daemon.LockFile == "" && os.Geteuid() == 0 {
		return systemLockPath
	}
	return cfg.Daemon.LockPath()
}

// engineFactory selects the storage engine named by the configuration.
func engineFactory(cfg *config.Config, logger zerolog.Logger) (engine.Factory, error) {
	switch cfg.Engine.Backend {
	case config.BackendMCP:
		return mcpengine.NewFactory(cfg.Engine.MCP, logger), nil
	case "", config.BackendDeviceTree:
		if len(cfg.Engine.Disks) == 0 {
			return devicetree.NewFactory(devicetree.UdevProber{Log: logger}, logger), nil
		}
		disks := make(devicetree.StaticProber, 0, len(cfg.Engine.Disks))
		for _, d := range cfg.Engine.Disks {
			info, err := devicetree.ParseDisk(d.Name, d.Size, d.Model)
			if err != nil {
				return nil, err
			}
			disks = append(disks, info)
		}
		return devicetree.NewFactory(disks, logger), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}
