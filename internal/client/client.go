// Package client is the unprivileged side of the daemon connection. It
// sends requests, turns handles in responses into proxies and returns
// daemon failures as errors.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// ErrClosed is returned by every call after Quit or Close.
var ErrClosed = errors.New("client: connection closed")

// InitError reports a failed init request.
type InitError struct {
	Reason ipc.InitReason
	Err    *ipc.RemoteError
}

func (e *InitError) Error() string {
	return fmt.Sprintf("storage engine init failed (%s): %v", e.Reason, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Client owns one daemon connection. All requests, including those made
// through proxies, are serialized: a request and its response(s) form one
// critical section.
type Client struct {
	mu      sync.Mutex
	conn    *ipc.Conn
	log     zerolog.Logger
	proxies map[ipc.Handle]*Proxy
	broken  error
}

// New wraps an established daemon connection.
func New(conn *ipc.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		log:     logger.With().Str("component", "client").Logger(),
		proxies: make(map[ipc.Handle]*Proxy),
	}
}

// Init asks the daemon to build its storage engine. A failure is returned
// as *InitError.
func (c *Client) Init(ignoredDisks, exclusiveDisks []string, flags *ipc.Bag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.roundTrip([]any{ipc.CmdInit, stringsOrEmpty(ignoredDisks), stringsOrEmpty(exclusiveDisks), flags})
	if err != nil {
		return err
	}
	r, err := ipc.ParseResult(v)
	if err != nil {
		return err
	}
	if !r.Success {
		reason, _ := r.Answer.(string)
		if reason == "" {
			reason = string(ipc.ReasonOtherException)
		}
		return &InitError{Reason: ipc.InitReason(reason), Err: r.Err}
	}
	c.log.Debug().Msg("storage engine initialized")
	return nil
}

// Call invokes an engine operation. Proxies among args are sent as their
// handles.
func (c *Client) Call(name string, args ...any) (any, error) {
	if name == ipc.CommitOperation {
		return nil, fmt.Errorf("%s streams progress, use Commit", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envelope([]any{ipc.CmdCall, name, args})
}

// Control runs a daemon control command such as ping or handles.
func (c *Client) Control(name string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envelope([]any{name, args})
}

// Commit runs the pending actions. progress, if not nil, receives each
// progress line; the final result bag is returned.
func (c *Client) Commit(progress func(text string)) (*ipc.Bag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send([]any{ipc.CmdCall, ipc.CommitOperation, []any{}}); err != nil {
		return nil, err
	}
	for {
		// Past this point the stream position is unknown on any failure;
		// nothing after it can be trusted.
		v, err := c.receive()
		if err != nil {
			c.fail(&ipc.ConnError{Op: "commit", Err: err})
			return nil, err
		}
		p, err := ipc.ParseProgress(v)
		if err != nil {
			c.fail(&ipc.ConnError{Op: "commit", Err: err})
			return nil, err
		}
		if p.Final {
			return p.Bag, nil
		}
		if progress != nil {
			progress(p.Text)
		}
	}
}

// Quit tells the daemon to stop and closes the connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil
	}
	err := c.send([]any{ipc.CmdQuit})
	c.fail(ErrClosed)
	return err
}

// Close closes the connection without telling the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil
	}
	c.fail(ErrClosed)
	return nil
}

// Err returns the error that broke the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// envelope sends msg and unwraps a (success, answer, error, trace) reply.
// Callers hold c.mu.
func (c *Client) envelope(msg []any) (any, error) {
	v, err := c.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	r, err := ipc.ParseResult(v)
	if err != nil {
		return nil, err
	}
	if !r.Success {
		return nil, r.Err
	}
	return r.Answer, nil
}

// value sends a proxy request whose reply is a bare value or an error
// value. Callers hold c.mu.
func (c *Client) value(msg []any) (any, error) {
	v, err := c.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	if re, ok := v.(*ipc.RemoteError); ok {
		if re.Kind.IsProtocol() {
			c.log.Debug().Str("kind", string(re.Kind)).Str("command", fmt.Sprint(msg[0])).Msg("request rejected")
		}
		return nil, re
	}
	return v, nil
}

func (c *Client) roundTrip(msg []any) (any, error) {
	if err := c.send(msg); err != nil {
		return nil, err
	}
	return c.receive()
}

func (c *Client) send(msg []any) error {
	if c.broken != nil {
		return c.broken
	}
	err := c.conn.Send(msg, referencer{c})
	var ce *ipc.ConnError
	if errors.As(err, &ce) {
		c.fail(err)
	}
	return err
}

func (c *Client) receive() (any, error) {
	if c.broken != nil {
		return nil, c.broken
	}
	v, err := c.conn.Receive(c.proxy)
	var ce *ipc.ConnError
	if errors.As(err, &ce) {
		c.fail(err)
	}
	return v, err
}

// fail marks the client unusable and drops the connection.
func (c *Client) fail(err error) {
	if c.broken != nil {
		return
	}
	if !errors.Is(err, ErrClosed) {
		c.log.Error().Err(err).Msg("daemon connection lost")
	}
	c.broken = err
	c.conn.Close()
}

// proxy resolves a handle from a response to its cached proxy.
func (c *Client) proxy(h ipc.Handle) (any, error) {
	if p, ok := c.proxies[h]; ok {
		return p, nil
	}
	p := &Proxy{client: c, handle: h}
	c.proxies[h] = p
	return p, nil
}

// referencer lets proxies travel back to the daemon as their handles.
type referencer struct {
	c *Client
}

func (r referencer) Ref(v any) (ipc.Handle, error) {
	p, ok := v.(*Proxy)
	if !ok {
		return 0, fmt.Errorf("client: %T cannot be sent to the daemon", v)
	}
	if p.client != r.c {
		return 0, fmt.Errorf("client: %s belongs to another connection", p)
	}
	return p.handle, nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
