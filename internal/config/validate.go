package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	errs = append(errs, validateLog(cfg.Log)...)
	errs = append(errs, validateDaemon(cfg.Daemon)...)
	errs = append(errs, validateEngine(cfg.Engine)...)
	return errors.Join(errs...)
}

func validateLog(l LogConfig) []error {
	var errs []error
	if l.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil {
			errs = append(errs, fmt.Errorf("log.level: invalid level %q", l.Level))
		}
	}
	switch l.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be \"console\" or \"json\", got %q", l.Format))
	}
	return errs
}

func validateDaemon(d DaemonConfig) []error {
	var errs []error

	for _, field := range []struct {
		name, value string
	}{
		{"start_timeout", d.StartTimeout},
		{"idle_timeout", d.IdleTimeout},
	} {
		if field.value == "" {
			continue
		}
		dur, err := time.ParseDuration(field.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("daemon.%s: invalid duration %q: %w", field.name, field.value, err))
		} else if dur < 0 {
			errs = append(errs, fmt.Errorf("daemon.%s: must be >= 0, got %q", field.name, field.value))
		}
	}

	if d.MaxFrameSize != "" {
		size, err := ipc.ParseSize(d.MaxFrameSize)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("daemon.max_frame_size: %w", err))
		case size == 0 || size > 1<<31:
			errs = append(errs, fmt.Errorf("daemon.max_frame_size: must be between 1B and 2GiB, got %q", d.MaxFrameSize))
		}
	}

	for i, arg := range d.Elevate {
		if strings.TrimSpace(arg) == "" {
			errs = append(errs, fmt.Errorf("daemon.elevate[%d]: empty argument", i))
		}
	}

	return errs
}

func validateEngine(e EngineConfig) []error {
	var errs []error

	switch e.Backend {
	case "", BackendDeviceTree:
		if e.MCP.IsStdio() || e.MCP.IsHTTP() {
			errs = append(errs, fmt.Errorf("engine.mcp: set only when engine.backend = %q", BackendMCP))
		}
	case BackendMCP:
		errs = append(errs, validateMCP(e.MCP)...)
	default:
		errs = append(errs, fmt.Errorf("engine.backend: unknown backend %q (want %q or %q)", e.Backend, BackendDeviceTree, BackendMCP))
	}

	if len(e.IgnoredDisks) > 0 && len(e.ExclusiveDisks) > 0 {
		errs = append(errs, errors.New("engine: ignored_disks and exclusive_disks are mutually exclusive"))
	}

	seen := make(map[string]bool, len(e.Disks))
	for i, disk := range e.Disks {
		if strings.TrimSpace(disk.Name) == "" {
			errs = append(errs, fmt.Errorf("engine.disks[%d]: missing name", i))
			continue
		}
		if seen[disk.Name] {
			errs = append(errs, fmt.Errorf("engine.disks[%d]: duplicate disk %q", i, disk.Name))
		}
		seen[disk.Name] = true
		if size, err := ipc.ParseSize(disk.Size); err != nil {
			errs = append(errs, fmt.Errorf("engine.disks.%s.size: %w", disk.Name, err))
		} else if size == 0 {
			errs = append(errs, fmt.Errorf("engine.disks.%s.size: must be > 0", disk.Name))
		}
	}

	return errs
}

func validateMCP(m MCPConfig) []error {
	var errs []error

	hasCommand := strings.TrimSpace(m.Command) != ""
	hasURL := strings.TrimSpace(m.URL) != ""

	switch {
	case hasCommand && hasURL:
		errs = append(errs, errors.New("engine.mcp: configure either command (stdio) or url (http), not both"))
	case !hasCommand && !hasURL:
		errs = append(errs, errors.New("engine.mcp: missing transport, set command (stdio) or url (http)"))
	}

	if hasURL {
		if _, err := url.ParseRequestURI(m.URL); err != nil {
			errs = append(errs, fmt.Errorf("engine.mcp.url: invalid URL %q: %w", m.URL, err))
		}
	}

	return errs
}
