package paths

import (
	"os"
	"path/filepath"
)

const appName = "blivetctl"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(homeDir(), fallbackSuffix, appName)
}

// ConfigDir returns the config directory ($XDG_CONFIG_HOME/blivetctl).
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the state directory ($XDG_STATE_HOME/blivetctl).
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir returns the runtime directory for the daemon socket and locks.
// Falls back to $XDG_STATE_HOME/blivetctl if XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return StateDir()
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// SocketPath returns the default daemon socket path.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "daemon.sock")
}

// SpawnLockPath returns the lock serializing daemon launches by one user.
func SpawnLockPath() string {
	return filepath.Join(RuntimeDir(), "spawn.lock")
}

// EngineLockPath returns the default storage resource lock.
func EngineLockPath() string {
	return filepath.Join(RuntimeDir(), "engine.lock")
}

// DaemonLogPath returns the default daemon log file.
func DaemonLogPath() string {
	return filepath.Join(StateDir(), "daemon.log")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
