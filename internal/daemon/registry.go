package daemon

import (
	"reflect"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Registry holds the daemon-side objects a client refers to by handle.
// Handles are minted from a counter and never reused or released while the
// connection lives. It is owned by a single connection loop and is not safe
// for concurrent use.
type Registry struct {
	last    ipc.Handle
	objects map[ipc.Handle]any
	index   map[any]ipc.Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[ipc.Handle]any),
		index:   make(map[any]ipc.Handle),
	}
}

// Put registers v and returns its handle. Registering the same reference
// (pointer, channel or unsafe pointer) again returns the existing handle;
// any other value gets a fresh handle each time.
func (r *Registry) Put(v any) ipc.Handle {
	keyed := isReference(v)
	if keyed {
		if h, ok := r.index[v]; ok {
			return h
		}
	}

	r.last++
	r.objects[r.last] = v
	if keyed {
		r.index[v] = r.last
	}
	return r.last
}

// isReference reports whether v has reference identity. Only these kinds
// are used as index keys: a comparable struct or array can still hold an
// unhashable value in an interface field.
func isReference(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return true
	default:
		return false
	}
}

// Ref implements ipc.Referencer.
func (r *Registry) Ref(v any) (ipc.Handle, error) {
	return r.Put(v), nil
}

// Get returns the object registered under h.
func (r *Registry) Get(h ipc.Handle) (any, error) {
	v, ok := r.objects[h]
	if !ok {
		return nil, ipc.Errorf(ipc.KindNoSuchHandle, "no such handle %d", uint64(h))
	}
	return v, nil
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return len(r.objects)
}

// Reset drops every entry. Called when the connection ends.
func (r *Registry) Reset() {
	r.objects = make(map[ipc.Handle]any)
	r.index = make(map[any]ipc.Handle)
}
