// Package mcpengine serves the storage-engine operations from an external
// MCP server. Every tool the server lists becomes an engine operation.
package mcpengine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/config"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Tools with a dedicated role. All other tools are plain operations.
const (
	initTool   = "blivet_init"
	commitTool = ipc.CommitOperation
)

// requiredTools must be listed by the server for it to be usable.
var requiredTools = []string{"get_disks"}

// Engine implements engine.Engine over an MCP connection.
type Engine struct {
	conn  *connection
	log   zerolog.Logger
	tools map[string]mcp.Tool
}

// NewFactory returns an engine.Factory connecting to the configured server.
func NewFactory(cfg config.MCPConfig, logger zerolog.Logger) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return New(ctx, cfg, opts, logger)
	}
}

// New connects to the MCP server, lists its tools and runs blivet_init when
// the server provides it.
func New(ctx context.Context, cfg config.MCPConfig, opts engine.Options, logger zerolog.Logger) (*Engine, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to storage engine: %w", err)
	}
	e, err := newEngine(ctx, conn, opts, logger)
	if err != nil {
		conn.close()
		return nil, err
	}
	return e, nil
}

func newEngine(ctx context.Context, conn *connection, opts engine.Options, logger zerolog.Logger) (*Engine, error) {
	tools, err := conn.listTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing storage engine tools: %w", err)
	}

	e := &Engine{
		conn:  conn,
		log:   logger.With().Str("component", "mcpengine").Logger(),
		tools: make(map[string]mcp.Tool, len(tools)),
	}
	for _, t := range tools {
		e.tools[t.Name] = t
	}
	for _, name := range requiredTools {
		if _, ok := e.tools[name]; !ok {
			return nil, fmt.Errorf("%w: storage engine server has no %s tool", engine.ErrUnusable, name)
		}
	}

	if _, ok := e.tools[initTool]; ok {
		args := map[string]any{
			"ignored_disks":   stringsOrEmpty(opts.IgnoredDisks),
			"exclusive_disks": stringsOrEmpty(opts.ExclusiveDisks),
			"flags":           toJSON(opts.Flags),
		}
		if _, err := e.call(ctx, initTool, args); err != nil {
			return nil, fmt.Errorf("%s: %w", initTool, err)
		}
	}

	e.log.Info().Strs("tools", e.operationNames()).Msg("storage engine connected")
	return e, nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func (e *Engine) operationNames() []string {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		if name == initTool || name == commitTool {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods implements engine.Invoker. The method set is the server's tool
// list minus the init and commit tools.
func (e *Engine) Methods() engine.MethodSet {
	methods := make(engine.MethodSet, len(e.tools))
	for _, name := range e.operationNames() {
		tool := name
		methods[tool] = func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return e.call(ctx, tool, toolArguments(args, kwargs))
		}
	}
	return methods
}

func (e *Engine) call(ctx context.Context, tool string, args map[string]any) (any, error) {
	result, err := e.conn.callTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", tool, err)
	}
	return unwrap(result)
}

// Commit implements engine.Engine. Text content of the commit tool result
// is reported as progress; its structured content is the result bag.
func (e *Engine) Commit(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error) {
	if _, ok := e.tools[commitTool]; !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownOperation, commitTool)
	}

	result, err := e.conn.callTool(ctx, commitTool, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", commitTool, err)
	}
	if result == nil {
		return nil, errors.New("empty commit result")
	}

	texts := textContent(result)
	if result.IsError {
		msg := "commit failed"
		if n := len(texts); n > 0 {
			for _, line := range texts[:n-1] {
				progress(line)
			}
			msg = texts[n-1]
		}
		return nil, errors.New(msg)
	}
	for _, line := range texts {
		progress(line)
	}

	if result.StructuredContent == nil {
		return engine.CommitResult(nil, ""), nil
	}
	v, err := structured(result.StructuredContent)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("commit result is %T, want object", v)
	}
	return commitBag(obj), nil
}

func commitBag(obj *Object) *ipc.Bag {
	success, _ := obj.fields["success"].(bool)
	if success {
		return engine.CommitResult(nil, "")
	}
	msg, _ := obj.fields["exception"].(string)
	if msg == "" {
		msg = "commit failed"
	}
	trace, _ := obj.fields["traceback"].(string)
	return engine.CommitResult(errors.New(msg), trace)
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	return e.conn.close()
}
