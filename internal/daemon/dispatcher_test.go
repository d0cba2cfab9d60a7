package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

type fakeDisk struct {
	name string
	size ipc.Size
}

func (d *fakeDisk) Attr(name string) (any, bool) {
	switch name {
	case "name":
		return d.name, true
	case "size":
		return d.size, true
	case "serial":
		return strings.Repeat("S", 4096), true
	}
	return nil, false
}

func (d *fakeDisk) Methods() engine.MethodSet {
	return engine.MethodSet{
		"describe": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			prefix, err := engine.OptArg(args, 0, "disk")
			if err != nil {
				return nil, err
			}
			if kwargs != nil && kwargs.Bool("upper") {
				return strings.ToUpper(prefix + " " + d.name), nil
			}
			return prefix + " " + d.name, nil
		},
	}
}

type fakeMap map[string]any

func (m fakeMap) Index(key any) (any, error) {
	k, _ := key.(string)
	v, ok := m[k]
	if !ok {
		return nil, &engine.KeyError{Key: key}
	}
	return v, nil
}

type fakeEngine struct {
	disks  []*fakeDisk
	commit func(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error)
	resets atomic.Int32
	closed atomic.Bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{disks: []*fakeDisk{
		{name: "sda", size: 100 * ipc.GiB},
		{name: "sdb", size: 20 * ipc.GiB},
	}}
}

func (e *fakeEngine) Methods() engine.MethodSet {
	return engine.MethodSet{
		"get_disks": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return e.disks, nil
		},
		"get_disk": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			want, err := engine.Arg[*fakeDisk](args, 0)
			if err != nil {
				return nil, err
			}
			return want, nil
		},
		"disk_iter": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return engine.NewSliceIterator(e.disks), nil
		},
		"labels": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return fakeMap{"sda": "root"}, nil
		},
		"fail": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return nil, errors.New("device busy")
		},
		"dump": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return strings.Repeat("x", 4096), nil
		},
		"explode": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			panic("boom")
		},
		"blivet_reset": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			e.resets.Add(1)
			return true, nil
		},
	}
}

func (e *fakeEngine) Commit(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error) {
	if e.commit != nil {
		return e.commit(ctx, progress)
	}
	return engine.CommitResult(nil, ""), nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeLock struct {
	err      error
	locked   atomic.Int32
	unlocked atomic.Int32
}

func (l *fakeLock) TryLock() error {
	if l.err != nil {
		return l.err
	}
	l.locked.Add(1)
	return nil
}

func (l *fakeLock) Unlock() error {
	l.unlocked.Add(1)
	return nil
}

type testSession struct {
	t    *testing.T
	raw  net.Conn
	conn *ipc.Conn
	done chan error
}

func startDispatcher(t *testing.T, cfg DispatcherConfig) *testSession {
	t.Helper()
	server, client := net.Pipe()
	cfg.Logger = zerolog.Nop()
	d := NewDispatcher(server, cfg)
	s := &testSession{t: t, raw: client, conn: ipc.NewConn(client), done: make(chan error, 1)}
	go func() {
		s.done <- d.Serve(context.Background())
	}()
	t.Cleanup(func() { s.conn.Close() })
	return s
}

func engineFactoryFor(eng engine.Engine) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return eng, nil
	}
}

func (s *testSession) roundTrip(msg ...any) any {
	s.t.Helper()
	if err := s.conn.Send(msg, nil); err != nil {
		s.t.Fatalf("Send(%v) error = %v", msg, err)
	}
	v, err := s.conn.Receive(nil)
	if err != nil {
		s.t.Fatalf("Receive() error = %v", err)
	}
	return v
}

func (s *testSession) result(msg ...any) ipc.Result {
	s.t.Helper()
	r, err := ipc.ParseResult(s.roundTrip(msg...))
	if err != nil {
		s.t.Fatalf("ParseResult() error = %v", err)
	}
	return r
}

func (s *testSession) init() {
	s.t.Helper()
	r := s.result(ipc.CmdInit, []any{}, []any{}, nil)
	if !r.Success {
		s.t.Fatalf("init failed: %v", r.Err)
	}
}

func (s *testSession) wait() error {
	s.t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		s.t.Fatal("dispatcher did not stop")
		return nil
	}
}

func expectRemoteError(t *testing.T, v any, kind ipc.ErrorKind) *ipc.RemoteError {
	t.Helper()
	re, ok := v.(*ipc.RemoteError)
	if !ok {
		t.Fatalf("answer = %#v, want *ipc.RemoteError", v)
	}
	if re.Kind != kind {
		t.Fatalf("error kind = %q, want %q (%s)", re.Kind, kind, re.Message)
	}
	return re
}

func TestDispatcherInitThenCall(t *testing.T) {
	lock := &fakeLock{}
	eng := newFakeEngine()
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(eng), Lock: lock})

	s.init()
	r := s.result(ipc.CmdCall, "get_disks", []any{})
	if !r.Success {
		t.Fatalf("get_disks failed: %v", r.Err)
	}
	disks, ok := r.Answer.([]any)
	if !ok || len(disks) != 2 {
		t.Fatalf("answer = %#v, want two handles", r.Answer)
	}
	h0, ok0 := disks[0].(ipc.Handle)
	h1, ok1 := disks[1].(ipc.Handle)
	if !ok0 || !ok1 || h0 == h1 {
		t.Fatalf("disks = %#v, want two distinct handles", disks)
	}

	if got := s.roundTrip(ipc.CmdParam, h1, "name"); got != "sdb" {
		t.Fatalf("param name = %#v, want sdb", got)
	}
	if got := s.roundTrip(ipc.CmdParam, h0, "size"); got != 100*ipc.GiB {
		t.Fatalf("param size = %#v, want 100 GiB", got)
	}

	// The same object returned again keeps its handle.
	again := s.result(ipc.CmdCall, "get_disks", []any{})
	if again.Answer.([]any)[0] != h0 {
		t.Fatalf("handle changed for the same object: %v != %v", again.Answer.([]any)[0], h0)
	}

	// Handles sent back are resolved to the original objects.
	r = s.result(ipc.CmdCall, "get_disk", []any{h1})
	if !r.Success || r.Answer != h1 {
		t.Fatalf("get_disk = %#v, want handle %v", r, h1)
	}

	if err := s.conn.Send([]any{ipc.CmdQuit}, nil); err != nil {
		t.Fatalf("Send(quit) error = %v", err)
	}
	if err := s.wait(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !eng.closed.Load() {
		t.Fatal("engine not closed after quit")
	}
	if lock.locked.Load() != 1 || lock.unlocked.Load() != 1 {
		t.Fatalf("lock calls = %d/%d, want 1/1", lock.locked.Load(), lock.unlocked.Load())
	}
}

func TestDispatcherRejectsCallBeforeInit(t *testing.T) {
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(newFakeEngine())})

	r := s.result(ipc.CmdCall, "get_disks", []any{})
	if r.Success || r.Err == nil || r.Err.Kind != ipc.KindNotInitialized {
		t.Fatalf("result = %#v, want not-initialized", r)
	}
	if r.Trace == "" {
		t.Fatal("failure carries no trace")
	}
}

func TestDispatcherSecondInitFails(t *testing.T) {
	var builds atomic.Int32
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		builds.Add(1)
		return newFakeEngine(), nil
	}
	s := startDispatcher(t, DispatcherConfig{Factory: factory})

	s.init()
	r := s.result(ipc.CmdInit, []any{}, []any{}, nil)
	if r.Success {
		t.Fatal("second init succeeded")
	}
	if r.Answer != string(ipc.ReasonAlreadyRunning) {
		t.Fatalf("reason = %#v, want %q", r.Answer, ipc.ReasonAlreadyRunning)
	}
	if r.Err.Kind != ipc.KindAlreadyInitialized {
		t.Fatalf("kind = %q, want already-initialized", r.Err.Kind)
	}
	if builds.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", builds.Load())
	}

	// The first engine stays usable.
	if r := s.result(ipc.CmdCall, "get_disks", []any{}); !r.Success {
		t.Fatalf("call after second init failed: %v", r.Err)
	}
}

func TestDispatcherInitPassesDiskFilters(t *testing.T) {
	got := make(chan engine.Options, 1)
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		got <- opts
		return newFakeEngine(), nil
	}
	s := startDispatcher(t, DispatcherConfig{Factory: factory})

	r := s.result(ipc.CmdInit, []any{"sdc"}, []any{"sda", "sdb"}, ipc.NewBag("readonly", true))
	if !r.Success {
		t.Fatalf("init failed: %v", r.Err)
	}
	opts := <-got
	if len(opts.IgnoredDisks) != 1 || opts.IgnoredDisks[0] != "sdc" {
		t.Fatalf("ignored = %v", opts.IgnoredDisks)
	}
	if len(opts.ExclusiveDisks) != 2 {
		t.Fatalf("exclusive = %v", opts.ExclusiveDisks)
	}
	if opts.Flags == nil || !opts.Flags.Bool("readonly") {
		t.Fatalf("flags = %v, want readonly", opts.Flags)
	}
}

func TestDispatcherInitFailureReasons(t *testing.T) {
	tests := []struct {
		name    string
		lockErr error
		factory error
		want    ipc.InitReason
	}{
		{name: "locked", lockErr: fmt.Errorf("%w (/run/x.lock)", ErrLocked), want: ipc.ReasonAlreadyRunning},
		{name: "unusable", factory: fmt.Errorf("no disks: %w", engine.ErrUnusable), want: ipc.ReasonUnusableResource},
		{name: "other", factory: errors.New("udev unavailable"), want: ipc.ReasonOtherException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := &fakeLock{err: tt.lockErr}
			factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
				if tt.factory != nil {
					return nil, tt.factory
				}
				return newFakeEngine(), nil
			}
			s := startDispatcher(t, DispatcherConfig{Factory: factory, Lock: lock})

			r := s.result(ipc.CmdInit, []any{}, []any{}, nil)
			if r.Success {
				t.Fatal("init succeeded")
			}
			if r.Answer != string(tt.want) {
				t.Fatalf("reason = %#v, want %q", r.Answer, tt.want)
			}
			if r.Trace == "" {
				t.Fatal("init failure carries no trace")
			}
			if tt.factory != nil && lock.unlocked.Load() != 1 {
				t.Fatal("lock not released after failed init")
			}

			// Still awaiting init: calls are rejected, a retry is allowed.
			if r := s.result(ipc.CmdCall, "get_disks", []any{}); r.Err == nil || r.Err.Kind != ipc.KindNotInitialized {
				t.Fatalf("call after failed init = %#v", r)
			}
		})
	}
}

func TestDispatcherInitRecoversFactoryPanic(t *testing.T) {
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		panic("disk scan crashed")
	}
	s := startDispatcher(t, DispatcherConfig{Factory: factory})

	r := s.result(ipc.CmdInit, []any{}, []any{}, nil)
	if r.Success || r.Answer != string(ipc.ReasonOtherException) {
		t.Fatalf("result = %#v, want other-exception", r)
	}
	if !strings.Contains(r.Err.Message, "disk scan crashed") {
		t.Fatalf("message = %q", r.Err.Message)
	}
}

func TestDispatcherContainsOperationErrors(t *testing.T) {
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(newFakeEngine())})
	s.init()

	r := s.result(ipc.CmdCall, "fail", []any{})
	if r.Success || r.Err.Message != "device busy" || r.Err.Kind != ipc.KindOperation {
		t.Fatalf("result = %#v, want device busy", r)
	}
	if r.Trace == "" {
		t.Fatal("operation failure carries no trace")
	}

	r = s.result(ipc.CmdCall, "explode", []any{})
	if r.Success || !strings.Contains(r.Err.Message, "boom") {
		t.Fatalf("result = %#v, want recovered panic", r)
	}
	if !strings.Contains(r.Trace, "goroutine") {
		t.Fatalf("panic trace = %q, want stack", r.Trace)
	}

	r = s.result(ipc.CmdCall, "no_such_op", []any{})
	if r.Success || r.Err.Kind != ipc.KindUnknownMethod {
		t.Fatalf("result = %#v, want unknown-method", r)
	}

	// The connection survives every failure above.
	if r := s.result(ipc.CmdCall, "get_disks", []any{}); !r.Success {
		t.Fatalf("call after failures = %v", r.Err)
	}
}

func TestDispatcherObjectCommands(t *testing.T) {
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(newFakeEngine())})
	s.init()

	disks := s.result(ipc.CmdCall, "get_disks", []any{}).Answer.([]any)
	sda := disks[0].(ipc.Handle)

	expectRemoteError(t, s.roundTrip(ipc.CmdParam, sda, "nope"), ipc.KindUnknownAttribute)
	expectRemoteError(t, s.roundTrip(ipc.CmdParam, sda, "describe"), ipc.KindAttributeCallable)
	expectRemoteError(t, s.roundTrip(ipc.CmdParam, ipc.Handle(9999), "name"), ipc.KindNoSuchHandle)

	if got := s.roundTrip(ipc.CmdMethod, sda, "describe", []any{}, nil); got != "disk sda" {
		t.Fatalf("describe = %#v", got)
	}
	if got := s.roundTrip(ipc.CmdMethod, sda, "describe", []any{"drive"}, ipc.NewBag("upper", true)); got != "DRIVE SDA" {
		t.Fatalf("describe with kwargs = %#v", got)
	}
	expectRemoteError(t, s.roundTrip(ipc.CmdMethod, sda, "wipe", []any{}, nil), ipc.KindUnknownMethod)

	iter := s.result(ipc.CmdCall, "disk_iter", []any{}).Answer.(ipc.Handle)
	for _, want := range disks {
		if got := s.roundTrip(ipc.CmdNext, iter); got != want {
			t.Fatalf("next = %#v, want %#v", got, want)
		}
	}
	if got := s.roundTrip(ipc.CmdNext, iter); !ipc.IsEnd(got) {
		t.Fatalf("next after last = %#v, want End", got)
	}
	if got := s.roundTrip(ipc.CmdNext, iter); !ipc.IsEnd(got) {
		t.Fatalf("next after End = %#v, want End again", got)
	}
	expectRemoteError(t, s.roundTrip(ipc.CmdNext, sda), ipc.KindNotIterable)

	labels := s.result(ipc.CmdCall, "labels", []any{}).Answer.(ipc.Handle)
	if got := s.roundTrip(ipc.CmdKey, labels, "sda"); got != "root" {
		t.Fatalf("key sda = %#v", got)
	}
	expectRemoteError(t, s.roundTrip(ipc.CmdKey, labels, "sdz"), ipc.KindKey)
	expectRemoteError(t, s.roundTrip(ipc.CmdKey, sda, "x"), ipc.KindNotIndexable)
}

func TestDispatcherCommitStreamsProgress(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		err   error
	}{
		{name: "no progress"},
		{name: "three lines", lines: []string{"[1/3] a", "[2/3] b", "[3/3] c"}},
		{name: "failure", lines: []string{"[1/2] a"}, err: errors.New("mkfs failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.commit = func(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error) {
				for _, line := range tt.lines {
					progress(line)
				}
				return nil, tt.err
			}
			s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(eng)})
			s.init()

			if err := s.conn.Send([]any{ipc.CmdCall, ipc.CommitOperation, []any{}}, nil); err != nil {
				t.Fatalf("Send(commit) error = %v", err)
			}
			var got []string
			var final ipc.Progress
			for {
				v, err := s.conn.Receive(nil)
				if err != nil {
					t.Fatalf("Receive() error = %v", err)
				}
				p, err := ipc.ParseProgress(v)
				if err != nil {
					t.Fatalf("ParseProgress() error = %v", err)
				}
				if p.Final {
					final = p
					break
				}
				got = append(got, p.Text)
			}

			if strings.Join(got, "|") != strings.Join(tt.lines, "|") {
				t.Fatalf("progress = %v, want %v", got, tt.lines)
			}
			if final.Bag == nil {
				t.Fatal("final frame carries no bag")
			}
			if final.Bag.Bool("success") != (tt.err == nil) {
				t.Fatalf("success = %v, want %v", final.Bag.Bool("success"), tt.err == nil)
			}
			if tt.err != nil {
				exc, _ := final.Bag.Get("exception")
				re, ok := exc.(*ipc.RemoteError)
				if !ok || re.Message != "mkfs failed" {
					t.Fatalf("exception = %#v", exc)
				}
				if final.Bag.String("traceback") == "" {
					t.Fatal("failed commit carries no traceback")
				}
			}

			// The connection is back in request/response mode.
			if r := s.result("ping", []any{}); r.Answer != "pong" {
				t.Fatalf("ping after commit = %#v", r)
			}
		})
	}
}

func TestDispatcherCommitBeforeInit(t *testing.T) {
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(newFakeEngine())})

	p, err := ipc.ParseProgress(s.roundTrip(ipc.CmdCall, ipc.CommitOperation, []any{}))
	if err != nil {
		t.Fatalf("ParseProgress() error = %v", err)
	}
	if !p.Final || p.Bag.Bool("success") {
		t.Fatalf("progress = %#v, want failed final frame", p)
	}
}

func TestDispatcherControlCommands(t *testing.T) {
	eng := newFakeEngine()
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(eng)})

	if r := s.result("ping", []any{}); !r.Success || r.Answer != "pong" {
		t.Fatalf("ping = %#v", r)
	}
	if r := s.result("version", []any{}); r.Answer != Version {
		t.Fatalf("version = %#v", r)
	}
	if r := s.result("reset", []any{}); r.Success || r.Err.Kind != ipc.KindNotInitialized {
		t.Fatalf("reset before init = %#v", r)
	}
	if r := s.result("format_everything", []any{}); r.Success || r.Err.Kind != ipc.KindUnknownCommand {
		t.Fatalf("unknown command = %#v", r)
	}

	s.init()
	s.result(ipc.CmdCall, "get_disks", []any{})
	if r := s.result("handles", []any{}); r.Answer != int64(2) {
		t.Fatalf("handles = %#v, want 2", r.Answer)
	}
	if r := s.result("reset", []any{}); !r.Success || eng.resets.Load() != 1 {
		t.Fatalf("reset = %#v, resets = %d", r, eng.resets.Load())
	}
}

func TestDispatcherAnswersMalformedRequests(t *testing.T) {
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(newFakeEngine())})

	// A frame that is not valid CBOR.
	if err := ipc.WriteFrame(s.raw, []byte{0xff, 0xfe}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	v, err := s.conn.Receive(nil)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	r, _ := ipc.ParseResult(v)
	if r.Success || r.Err.Kind != ipc.KindProtocol {
		t.Fatalf("result = %#v, want protocol error", r)
	}

	r = s.result(int64(7))
	if r.Success || r.Err.Kind != ipc.KindProtocol {
		t.Fatalf("result = %#v, want protocol error", r)
	}

	if r := s.result("ping", []any{}); r.Answer != "pong" {
		t.Fatalf("ping after malformed frames = %#v", r)
	}
}

func TestDispatcherStopsWhenClientCloses(t *testing.T) {
	eng := newFakeEngine()
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(eng)})
	s.init()

	s.conn.Close()
	if err := s.wait(); err != nil {
		t.Fatalf("Serve() error = %v, want nil on client close", err)
	}
	if !eng.closed.Load() {
		t.Fatal("engine not closed")
	}
}

func TestDispatcherOversizedAnswerKeepsConnection(t *testing.T) {
	eng := newFakeEngine()
	eng.commit = func(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error) {
		progress(strings.Repeat("p", 4096))
		progress("done")
		return engine.CommitResult(nil, ""), nil
	}
	s := startDispatcher(t, DispatcherConfig{Factory: engineFactoryFor(eng), MaxFrameSize: 1024})
	s.init()

	r := s.result(ipc.CmdCall, "dump", []any{})
	if r.Success || r.Err == nil || r.Err.Kind != ipc.KindProtocol {
		t.Fatalf("dump = %#v, want protocol failure", r)
	}
	if r.Trace == "" {
		t.Fatal("oversized answer failure has no trace")
	}

	r = s.result(ipc.CmdCall, "get_disks", []any{})
	if !r.Success {
		t.Fatalf("get_disks after oversized answer failed: %v", r.Err)
	}
	h := r.Answer.([]any)[0]

	// Object commands answer with a bare error value, not an envelope.
	re := expectRemoteError(t, s.roundTrip(ipc.CmdParam, h, "serial"), ipc.KindProtocol)
	if !strings.Contains(re.Message, "frame too large") {
		t.Fatalf("serial error = %q", re.Message)
	}
	if got := s.roundTrip(ipc.CmdParam, h, "name"); got != "sda" {
		t.Fatalf("param name = %#v, want sda", got)
	}

	if err := s.conn.Send([]any{ipc.CmdCall, ipc.CommitOperation, []any{}}, nil); err != nil {
		t.Fatalf("Send(commit) error = %v", err)
	}
	var lines []string
	for {
		v, err := s.conn.Receive(nil)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		p, err := ipc.ParseProgress(v)
		if err != nil {
			t.Fatalf("ParseProgress() error = %v", err)
		}
		if p.Final {
			if !p.Bag.Bool("success") {
				t.Fatalf("commit bag = %s", p.Bag.Format())
			}
			break
		}
		lines = append(lines, p.Text)
	}
	if len(lines) != 1 || lines[0] != "done" {
		t.Fatalf("progress = %q, want only the line that fits", lines)
	}
}
