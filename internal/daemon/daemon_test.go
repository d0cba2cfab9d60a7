package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/config"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/engine/devicetree"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

func testDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.LockFile = filepath.Join(t.TempDir(), "engine.lock")
	cfg.Daemon.StartTimeout = "2s"
	return cfg
}

func startRun(t *testing.T, ctx context.Context, opts RunOptions) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, opts)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunServesOneConnection(t *testing.T) {
	socket := filepath.Join(shortSocketDir(t), "d.sock")
	eng := newFakeEngine()
	done := startRun(t, context.Background(), RunOptions{
		Socket:   socket,
		AllowUID: -1,
		Config:   testDaemonConfig(t),
		Logger:   zerolog.Nop(),
		Factory:  engineFactoryFor(eng),
	})

	conn, err := waitForDaemon(socket, 2*time.Second, make(chan error))
	if err != nil {
		t.Fatalf("waitForDaemon() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]any{"ping", []any{}}, nil); err != nil {
		t.Fatalf("Send(ping) error = %v", err)
	}
	v, err := conn.Receive(nil)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if r, _ := ipc.ParseResult(v); r.Answer != "pong" {
		t.Fatalf("ping = %#v", v)
	}

	if err := conn.Send([]any{ipc.CmdQuit}, nil); err != nil {
		t.Fatalf("Send(quit) error = %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := ipc.Dial(socket, 100*time.Millisecond); err == nil {
		t.Fatal("daemon still accepting after its one connection")
	}
}

func TestRunStopsOnCancelBeforeClient(t *testing.T) {
	socket := filepath.Join(shortSocketDir(t), "d.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(t, ctx, RunOptions{
		Socket:   socket,
		AllowUID: -1,
		Config:   testDaemonConfig(t),
		Logger:   zerolog.Nop(),
		Factory:  engineFactoryFor(newFakeEngine()),
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}

func TestRunStopsOnCancelWithClient(t *testing.T) {
	socket := filepath.Join(shortSocketDir(t), "d.sock")
	ctx, cancel := context.WithCancel(context.Background())
	eng := newFakeEngine()
	done := startRun(t, ctx, RunOptions{
		Socket:   socket,
		AllowUID: -1,
		Config:   testDaemonConfig(t),
		Logger:   zerolog.Nop(),
		Factory:  engineFactoryFor(eng),
	})

	conn, err := waitForDaemon(socket, 2*time.Second, make(chan error))
	if err != nil {
		t.Fatalf("waitForDaemon() error = %v", err)
	}
	defer conn.Close()
	if err := conn.Send([]any{ipc.CmdInit, []any{}, []any{}, nil}, nil); err != nil {
		t.Fatalf("Send(init) error = %v", err)
	}
	if _, err := conn.Receive(nil); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if !eng.closed.Load() {
		t.Fatal("engine not closed on shutdown")
	}
}

func TestRunIdleTimeoutClosesConnection(t *testing.T) {
	socket := filepath.Join(shortSocketDir(t), "d.sock")
	cfg := testDaemonConfig(t)
	cfg.Daemon.IdleTimeout = "50ms"
	done := startRun(t, context.Background(), RunOptions{
		Socket:   socket,
		AllowUID: -1,
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Factory:  engineFactoryFor(newFakeEngine()),
	})

	conn, err := waitForDaemon(socket, 2*time.Second, make(chan error))
	if err != nil {
		t.Fatalf("waitForDaemon() error = %v", err)
	}
	defer conn.Close()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil after idle timeout", err)
	}
	if _, err := conn.Receive(nil); err == nil {
		t.Fatal("connection still open after idle timeout")
	}
}

func TestEngineFactorySelection(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Disks = []config.DiskConfig{{Name: "vda", Size: "10 GiB"}}
	factory, err := engineFactory(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("engineFactory(devicetree) error = %v", err)
	}
	eng, err := factory(context.Background(), engine.Options{})
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	defer eng.Close()
	if _, ok := eng.(*devicetree.Tree); !ok {
		t.Fatalf("engine = %T, want *devicetree.Tree", eng)
	}

	cfg = config.Default()
	cfg.Engine.Backend = config.BackendMCP
	cfg.Engine.MCP = config.MCPConfig{Command: "true"}
	if _, err := engineFactory(cfg, zerolog.Nop()); err != nil {
		t.Fatalf("engineFactory(mcp) error = %v", err)
	}

	cfg = config.Default()
	cfg.Engine.Disks = []config.DiskConfig{{Name: "vda", Size: "lots"}}
	if _, err := engineFactory(cfg, zerolog.Nop()); err == nil {
		t.Fatal("engineFactory with a bad disk size succeeded")
	}

	cfg = config.Default()
	cfg.Engine.Backend = "lvm2"
	if _, err := engineFactory(cfg, zerolog.Nop()); err == nil {
		t.Fatal("engineFactory(unknown backend) succeeded")
	}
}
