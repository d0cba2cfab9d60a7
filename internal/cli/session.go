package cli

import (
	"fmt"
	"os"

	"github.com/storaged-project/blivet-gui-sub000/internal/client"
	"github.com/storaged-project/blivet-gui-sub000/internal/config"
	"github.com/storaged-project/blivet-gui-sub000/internal/daemon"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
	"github.com/storaged-project/blivet-gui-sub000/internal/logging"
)

var launchFn = daemon.Launch

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, &usageError{err: fmt.Errorf("invalid config: %w", err)}
	}
	return cfg, nil
}

// connect starts a daemon and returns a client on its connection. The
// storage engine is not initialized yet.
func connect(opts *rootOptions) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New("blivetctl", rootStderr, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	elevate := cfg.Daemon.Elevate
	if os.Geteuid() == 0 {
		elevate = nil
	}
	conn, err := launchFn(daemon.LaunchOptions{
		Socket:       cfg.Daemon.SocketPath(),
		Elevate:      elevate,
		ConfigPath:   opts.configPath,
		StartTimeout: cfg.Daemon.StartTimeoutDuration(),
		MaxFrameSize: cfg.Daemon.MaxFrameBytes(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting daemon: %w", err)
	}
	logger.Debug().Str("socket", cfg.Daemon.SocketPath()).Msg("connected to daemon")
	return client.New(conn, logger), cfg, nil
}

// openSession connects and initializes the storage engine with the
// configured disk filters. The returned func ends the session.
func openSession(opts *rootOptions, flags *ipc.Bag) (*client.Client, func(), error) {
	c, cfg, err := connect(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Init(cfg.Engine.IgnoredDisks, cfg.Engine.ExclusiveDisks, flags); err != nil {
		_ = c.Quit()
		return nil, nil, err
	}
	return c, func() { _ = c.Quit() }, nil
}
