package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Version is reported by the version control command.
const Version = "0.1.0"

type state int

const (
	stateAwaitingInit state = iota
	stateReady
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAwaitingInit:
		return "awaiting-init"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// Locker guards the storage resource against a second daemon.
type Locker interface {
	TryLock() error
	Unlock() error
}

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Factory      engine.Factory
	Lock         Locker
	Logger       zerolog.Logger
	MaxFrameSize uint32
	Idle         *Watchdog
}

type controlFunc func(ctx context.Context, args []any) (any, error)

// Dispatcher serves the requests of a single client connection. It reads
// one request, executes it and writes the response before reading the
// next; nothing is pipelined.
type Dispatcher struct {
	conn     *ipc.Conn
	cfg      DispatcherConfig
	log      zerolog.Logger
	registry *Registry
	engine   engine.Engine
	state    state
	controls map[string]controlFunc
}

// NewDispatcher wraps an accepted connection.
func NewDispatcher(rwc io.ReadWriteCloser, cfg DispatcherConfig) *Dispatcher {
	conn := ipc.NewConn(rwc)
	conn.SetMaxFrameSize(cfg.MaxFrameSize)

	d := &Dispatcher{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "dispatcher").Logger(),
		registry: NewRegistry(),
		state:    stateAwaitingInit,
	}
	d.controls = map[string]controlFunc{
		"ping":    d.controlPing,
		"version": d.controlVersion,
		"handles": d.controlHandles,
		"reset":   d.controlReset,
	}
	return d
}

// Serve runs the request loop until the client sends quit or closes the
// connection. Only transport failures are returned as errors.
func (d *Dispatcher) Serve(ctx context.Context) error {
	defer d.shutdown()

	for {
		msg, err := d.conn.Receive(nil)
		if err != nil {
			var ce *ipc.ConnError
			if errors.As(err, &ce) {
				if errors.Is(err, ipc.ErrEndOfStream) {
					d.log.Info().Msg("client closed connection")
					return nil
				}
				return err
			}
			d.log.Warn().Err(err).Msg("undecodable request")
			if err := d.reply(failure(ipc.AsRemoteError(err)).Message(), asResult); err != nil {
				return err
			}
			continue
		}

		parts, ok := msg.([]any)
		var tag string
		if ok && len(parts) > 0 {
			tag, ok = parts[0].(string)
		}
		if !ok {
			if err := d.reply(failure(ipc.Errorf(ipc.KindProtocol, "request must start with a command tag")).Message(), asResult); err != nil {
				return err
			}
			continue
		}

		if tag == ipc.CmdQuit {
			d.log.Info().Msg("quit requested")
			return nil
		}

		d.cfg.Idle.Begin()
		err = d.handle(ctx, tag, parts[1:])
		d.cfg.Idle.End()
		if err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, tag string, args []any) error {
	d.log.Debug().Str("cmd", tag).Str("state", d.state.String()).Msg("request")

	switch tag {
	case ipc.CmdInit:
		return d.reply(d.handleInit(ctx, args).Message(), asResult)
	case ipc.CmdCall:
		if name, _ := argAt(args, 0).(string); name == ipc.CommitOperation {
			return d.commit(ctx)
		}
		return d.reply(d.handleCall(ctx, args).Message(), asResult)
	case ipc.CmdParam, ipc.CmdMethod, ipc.CmdNext, ipc.CmdKey:
		return d.reply(d.handleObject(ctx, tag, args), asValue)
	default:
		return d.reply(d.handleControl(ctx, tag, args).Message(), asResult)
	}
}

// replyShape wraps a failure in the reply form the request expects.
type replyShape func(re *ipc.RemoteError) any

func asResult(re *ipc.RemoteError) any { return failure(re).Message() }

func asValue(re *ipc.RemoteError) any { return re }

func asFinalProgress(re *ipc.RemoteError) any {
	return ipc.Progress{Final: true, Bag: engine.CommitResult(re, re.Trace)}.Message()
}

// reply sends v. A value that cannot be encoded, or whose frame exceeds the
// size limit, is replaced by a protocol failure in the given shape so the
// client is never left waiting.
func (d *Dispatcher) reply(v any, shape replyShape) error {
	err := d.conn.Send(v, d.registry)
	if err == nil {
		return nil
	}
	var ce *ipc.ConnError
	if errors.As(err, &ce) {
		return err
	}
	d.log.Error().Err(err).Msg("encoding response")
	// One-line trace, no stack: the replacement has to fit the frame limit.
	re := ipc.Errorf(ipc.KindProtocol, "encoding response: %v", err)
	re.Trace = "reply dropped: " + err.Error()
	return d.conn.Send(shape(re), nil)
}

func (d *Dispatcher) handleInit(ctx context.Context, args []any) ipc.Result {
	if d.state == stateReady {
		return initFailure(ipc.ReasonAlreadyRunning, ipc.Errorf(ipc.KindAlreadyInitialized, "storage engine already initialized on this connection"))
	}

	flags, _ := argAt(args, 2).(*ipc.Bag)
	opts := engine.Options{
		IgnoredDisks:   stringList(argAt(args, 0)),
		ExclusiveDisks: stringList(argAt(args, 1)),
		Flags:          flags,
	}

	if d.cfg.Lock != nil {
		if err := d.cfg.Lock.TryLock(); err != nil {
			d.log.Warn().Err(err).Msg("storage resource lock unavailable")
			return initFailure(classifyInitError(err), operationError(err))
		}
	}

	var eng engine.Engine
	err := protect(func() error {
		var err error
		eng, err = d.cfg.Factory(ctx, opts)
		return err
	})
	if err != nil {
		if d.cfg.Lock != nil {
			_ = d.cfg.Lock.Unlock()
		}
		d.log.Error().Err(err).Msg("storage engine initialization failed")
		return initFailure(classifyInitError(err), operationError(err))
	}

	d.engine = eng
	d.state = stateReady
	d.log.Info().
		Strs("ignored_disks", opts.IgnoredDisks).
		Strs("exclusive_disks", opts.ExclusiveDisks).
		Msg("storage engine initialized")
	return ipc.Result{Success: true}
}

func (d *Dispatcher) handleCall(ctx context.Context, args []any) ipc.Result {
	if d.state != stateReady {
		return failure(ipc.Errorf(ipc.KindNotInitialized, "call before init"))
	}

	name, ok := argAt(args, 0).(string)
	if !ok {
		return failure(ipc.Errorf(ipc.KindProtocol, "call requires an operation name"))
	}
	callArgs, err := d.resolveList(argAt(args, 1))
	if err != nil {
		return failure(ipc.AsRemoteError(err))
	}

	m, ok := d.engine.Methods()[name]
	if !ok {
		return failure(ipc.Errorf(ipc.KindUnknownMethod, "storage engine has no operation %q", name))
	}

	var answer any
	err = protect(func() error {
		var err error
		answer, err = m(ctx, callArgs, nil)
		return err
	})
	if err != nil {
		d.log.Warn().Err(err).Str("operation", name).Msg("operation failed")
		return failure(operationError(err))
	}
	return ipc.Result{Success: true, Answer: answer}
}

// commit streams progress frames and then one final frame for the commit
// operation.
func (d *Dispatcher) commit(ctx context.Context) error {
	if d.state != stateReady {
		err := ipc.Errorf(ipc.KindNotInitialized, "commit before init")
		return d.reply(ipc.Progress{Final: true, Bag: engine.CommitResult(err, traceOf(err))}.Message(), asFinalProgress)
	}

	var sendErr error
	progress := func(text string) {
		if sendErr != nil {
			return
		}
		d.log.Debug().Str("progress", text).Msg("commit progress")
		err := d.conn.Send(ipc.Progress{Text: text}.Message(), nil)
		var ce *ipc.ConnError
		if errors.As(err, &ce) {
			sendErr = err
		} else if err != nil {
			d.log.Warn().Err(err).Msg("dropping progress line")
		}
	}

	var bag *ipc.Bag
	err := protect(func() error {
		var err error
		bag, err = d.engine.Commit(ctx, progress)
		return err
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		d.log.Error().Err(err).Msg("commit failed")
		re := operationError(err)
		bag = engine.CommitResult(re, re.Trace)
	}
	if bag == nil {
		bag = engine.CommitResult(nil, "")
	}
	return d.reply(ipc.Progress{Final: true, Bag: bag}.Message(), asFinalProgress)
}

func (d *Dispatcher) handleObject(ctx context.Context, tag string, args []any) any {
	resolved, err := ipc.Resolve(args, d.registry.Get)
	if err != nil {
		return ipc.AsRemoteError(err)
	}
	args = resolved.([]any)
	if len(args) == 0 {
		return ipc.Errorf(ipc.KindProtocol, "%s requires a handle", tag)
	}
	obj := args[0]

	switch tag {
	case ipc.CmdParam:
		name, _ := argAt(args, 1).(string)
		return getAttr(obj, name)
	case ipc.CmdMethod:
		name, _ := argAt(args, 1).(string)
		callArgs, _ := argAt(args, 2).([]any)
		kwargs, _ := argAt(args, 3).(*ipc.Bag)
		return d.callMethod(ctx, obj, name, callArgs, kwargs)
	case ipc.CmdNext:
		it, ok := obj.(engine.Iterator)
		if !ok {
			return ipc.Errorf(ipc.KindNotIterable, "%T is not an iterator", obj)
		}
		var v any
		var more bool
		if err := protect(func() error {
			v, more = it.Next()
			return nil
		}); err != nil {
			return operationError(err)
		}
		if !more {
			return ipc.End
		}
		return v
	default:
		idx, ok := obj.(engine.Indexer)
		if !ok {
			return ipc.Errorf(ipc.KindNotIndexable, "%T does not support indexing", obj)
		}
		var v any
		if err := protect(func() error {
			var err error
			v, err = idx.Index(argAt(args, 1))
			return err
		}); err != nil {
			return operationError(err)
		}
		return v
	}
}

func getAttr(obj any, name string) any {
	if inv, ok := obj.(engine.Invoker); ok {
		if _, ok := inv.Methods()[name]; ok {
			return ipc.Errorf(ipc.KindAttributeCallable, "%q is a method, call it with method", name)
		}
	}
	if at, ok := obj.(engine.Attributer); ok {
		if v, ok := at.Attr(name); ok {
			return v
		}
	}
	return ipc.Errorf(ipc.KindUnknownAttribute, "%T has no attribute %q", obj, name)
}

func (d *Dispatcher) callMethod(ctx context.Context, obj any, name string, args []any, kwargs *ipc.Bag) any {
	inv, ok := obj.(engine.Invoker)
	if !ok {
		return ipc.Errorf(ipc.KindUnknownMethod, "%T has no methods", obj)
	}
	m, ok := inv.Methods()[name]
	if !ok {
		return ipc.Errorf(ipc.KindUnknownMethod, "%T has no method %q", obj, name)
	}

	var v any
	if err := protect(func() error {
		var err error
		v, err = m(ctx, args, kwargs)
		return err
	}); err != nil {
		return operationError(err)
	}
	return v
}

func (d *Dispatcher) handleControl(ctx context.Context, name string, args []any) ipc.Result {
	fn, ok := d.controls[name]
	if !ok {
		return failure(ipc.Errorf(ipc.KindUnknownCommand, "unknown command %q", name))
	}
	ctlArgs, err := d.resolveList(argAt(args, 0))
	if err != nil {
		return failure(ipc.AsRemoteError(err))
	}

	var answer any
	if err := protect(func() error {
		var err error
		answer, err = fn(ctx, ctlArgs)
		return err
	}); err != nil {
		return failure(operationError(err))
	}
	return ipc.Result{Success: true, Answer: answer}
}

func (d *Dispatcher) controlPing(ctx context.Context, args []any) (any, error) {
	return "pong", nil
}

func (d *Dispatcher) controlVersion(ctx context.Context, args []any) (any, error) {
	return Version, nil
}

func (d *Dispatcher) controlHandles(ctx context.Context, args []any) (any, error) {
	return int64(d.registry.Len()), nil
}

func (d *Dispatcher) controlReset(ctx context.Context, args []any) (any, error) {
	if d.state != stateReady {
		return nil, ipc.Errorf(ipc.KindNotInitialized, "reset before init")
	}
	m, ok := d.engine.Methods()["blivet_reset"]
	if !ok {
		return nil, ipc.Errorf(ipc.KindUnknownMethod, "storage engine cannot be reset")
	}
	return m(ctx, args, nil)
}

func (d *Dispatcher) resolveList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, ipc.Errorf(ipc.KindProtocol, "arguments must be a list, got %T", v)
	}
	resolved, err := ipc.Resolve(list, d.registry.Get)
	if err != nil {
		return nil, err
	}
	return resolved.([]any), nil
}

func (d *Dispatcher) shutdown() {
	if d.state == stateClosed {
		return
	}
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			d.log.Warn().Err(err).Msg("closing storage engine")
		}
		d.engine = nil
	}
	if d.state == stateReady && d.cfg.Lock != nil {
		if err := d.cfg.Lock.Unlock(); err != nil {
			d.log.Warn().Err(err).Msg("releasing storage resource lock")
		}
	}
	d.log.Debug().Int("handles", d.registry.Len()).Msg("dropping registry")
	d.registry.Reset()
	d.state = stateClosed
	d.conn.Close()
}

// protect runs fn and converts a panic into an operation error carrying the
// goroutine stack.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ipc.RemoteError{
				Kind:    ipc.KindOperation,
				Message: fmt.Sprintf("panic: %v", r),
				Trace:   string(debug.Stack()),
			}
		}
	}()
	return fn()
}

// operationError copies err into a RemoteError that always carries a trace.
func operationError(err error) *ipc.RemoteError {
	re := *ipc.AsRemoteError(err)
	if re.Kind == "" || re.Kind == ipc.KindOperation {
		re.Kind = classifyOperationError(err)
	}
	if re.Trace == "" {
		re.Trace = traceOf(err)
	}
	return &re
}

func traceOf(err error) string {
	return fmt.Sprintf("%+v", pkgerrors.WithStack(err))
}

func failure(re *ipc.RemoteError) ipc.Result {
	if re.Trace == "" {
		re.Trace = traceOf(re)
	}
	return ipc.Result{Err: re, Trace: re.Trace}
}

func initFailure(reason ipc.InitReason, re *ipc.RemoteError) ipc.Result {
	r := failure(re)
	r.Answer = string(reason)
	return r
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
