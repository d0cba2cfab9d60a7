package client

import (
	"fmt"
	"iter"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Proxy stands for a daemon-side object. There is one Proxy per handle, so
// two proxies compare equal exactly when they refer to the same object.
type Proxy struct {
	client *Client
	handle ipc.Handle
}

// Handle returns the daemon handle behind p.
func (p *Proxy) Handle() ipc.Handle {
	return p.handle
}

func (p *Proxy) String() string {
	return fmt.Sprintf("Proxy(%d)", uint64(p.handle))
}

// Attr reads an attribute.
func (p *Proxy) Attr(name string) (any, error) {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	return p.client.value([]any{ipc.CmdParam, p, name})
}

// Call invokes a method. kwargs may be nil.
func (p *Proxy) Call(name string, args []any, kwargs *ipc.Bag) (any, error) {
	if args == nil {
		args = []any{}
	}
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	return p.client.value([]any{ipc.CmdMethod, p, name, args, kwargs})
}

// Next steps an iterator. It reports false once the sequence is exhausted.
func (p *Proxy) Next() (any, bool, error) {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()

	v, err := p.client.value([]any{ipc.CmdNext, p})
	if err != nil {
		return nil, false, err
	}
	if ipc.IsEnd(v) {
		return nil, false, nil
	}
	return v, true, nil
}

// Index looks up key in an indexable object.
func (p *Proxy) Index(key any) (any, error) {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	return p.client.value([]any{ipc.CmdKey, p, key})
}

// All obtains an iterator from the object's iter method and yields its
// values. An error is yielded once and ends the sequence.
func (p *Proxy) All() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		v, err := p.Call("iter", nil, nil)
		if err != nil {
			yield(nil, err)
			return
		}
		it, ok := v.(*Proxy)
		if !ok {
			yield(nil, fmt.Errorf("iter returned %T, want an iterator", v))
			return
		}
		for {
			item, more, err := it.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !more || !yield(item, nil) {
				return
			}
		}
	}
}
