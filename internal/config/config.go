package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadFrom reads and parses a config file at the given path. Values missing
// from the file keep their defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config %s: unknown key %q", path, undecoded[0].String())
	}

	expandConfigEnvVars(cfg)
	return cfg, nil
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Daemon.Socket = expandEnvVars(cfg.Daemon.Socket)
	cfg.Daemon.LockFile = expandEnvVars(cfg.Daemon.LockFile)
	for i := range cfg.Daemon.Elevate {
		cfg.Daemon.Elevate[i] = expandEnvVars(cfg.Daemon.Elevate[i])
	}

	cfg.Engine.MCP = expandMCPEnvVars(cfg.Engine.MCP)
}

func expandMCPEnvVars(m MCPConfig) MCPConfig {
	m.Command = expandEnvVars(m.Command)
	m.URL = expandEnvVars(m.URL)

	for i := range m.Args {
		m.Args[i] = expandEnvVars(m.Args[i])
	}
	for k, v := range m.Env {
		m.Env[k] = expandEnvVars(v)
	}
	for k, v := range m.Headers {
		m.Headers[k] = expandEnvVars(v)
	}

	return m
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
