package config

import (
	"time"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
	"github.com/storaged-project/blivet-gui-sub000/internal/paths"
)

// Engine backends.
const (
	BackendDeviceTree = "devicetree"
	BackendMCP        = "mcp"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultLogLevel     = "info"
)

// Config is the top-level blivetctl configuration.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Daemon DaemonConfig `toml:"daemon"`
	Engine EngineConfig `toml:"engine"`
}

// LogConfig controls logging for both the client and the daemon.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// DaemonConfig describes how the daemon is launched and served.
type DaemonConfig struct {
	Socket string `toml:"socket"`

	// Elevate is the command prefix used to start the daemon with
	// privileges, e.g. ["pkexec"] or ["sudo", "-n"]. Empty runs it directly.
	Elevate []string `toml:"elevate"`

	StartTimeout string `toml:"start_timeout"`
	IdleTimeout  string `toml:"idle_timeout"`
	LockFile     string `toml:"lock_file"`
	MaxFrameSize string `toml:"max_frame_size"`
}

// EngineConfig selects and parameterizes the storage engine.
type EngineConfig struct {
	Backend        string       `toml:"backend"`
	IgnoredDisks   []string     `toml:"ignored_disks"`
	ExclusiveDisks []string     `toml:"exclusive_disks"`
	Disks          []DiskConfig `toml:"disks"`
	MCP            MCPConfig    `toml:"mcp"`
}

// DiskConfig is a statically configured disk for the devicetree engine.
// When no disks are configured the engine discovers them through udev.
type DiskConfig struct {
	Name  string `toml:"name"`
	Size  string `toml:"size"`
	Model string `toml:"model"`
}

// MCPConfig describes how to reach an MCP server exposing the engine
// operations as tools.
type MCPConfig struct {
	// Stdio transport
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`

	// HTTP transport
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

// IsStdio returns true if the MCP server uses stdio transport.
func (m MCPConfig) IsStdio() bool {
	return m.Command != ""
}

// IsHTTP returns true if the MCP server uses HTTP transport.
func (m MCPConfig) IsHTTP() bool {
	return m.URL != ""
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: defaultLogLevel, Format: "console"},
		Daemon: DaemonConfig{StartTimeout: defaultStartTimeout.String()},
		Engine: EngineConfig{Backend: BackendDeviceTree},
	}
}

// SocketPath returns the configured socket or the XDG default.
func (d DaemonConfig) SocketPath() string {
	if d.Socket != "" {
		return d.Socket
	}
	return paths.SocketPath()
}

// LockPath returns the configured resource lock or the XDG default.
func (d DaemonConfig) LockPath() string {
	if d.LockFile != "" {
		return d.LockFile
	}
	return paths.EngineLockPath()
}

// StartTimeoutDuration returns how long the client waits for a spawned
// daemon to connect.
func (d DaemonConfig) StartTimeoutDuration() time.Duration {
	if dur, err := time.ParseDuration(d.StartTimeout); err == nil && dur > 0 {
		return dur
	}
	return defaultStartTimeout
}

// IdleTimeoutDuration returns the idle watchdog timeout. Zero disables it.
func (d DaemonConfig) IdleTimeoutDuration() time.Duration {
	if dur, err := time.ParseDuration(d.IdleTimeout); err == nil && dur > 0 {
		return dur
	}
	return 0
}

// MaxFrameBytes returns the frame payload limit.
func (d DaemonConfig) MaxFrameBytes() uint32 {
	if d.MaxFrameSize == "" {
		return ipc.DefaultMaxFrameSize
	}
	size, err := ipc.ParseSize(d.MaxFrameSize)
	if err != nil || size == 0 || size > 1<<31 {
		return ipc.DefaultMaxFrameSize
	}
	return uint32(size)
}
