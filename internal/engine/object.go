package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Method is one allow-listed operation on an engine or a proxied object.
type Method func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error)

// MethodSet maps operation names to implementations.
type MethodSet map[string]Method

// Names returns the method names in sorted order.
func (m MethodSet) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoker exposes named methods.
type Invoker interface {
	Methods() MethodSet
}

// Attributer exposes named attributes. Attr reports false for unknown names.
type Attributer interface {
	Attr(name string) (any, bool)
}

// Iterator is stepped by the next command. Next reports false when the
// sequence is exhausted.
type Iterator interface {
	Next() (any, bool)
}

// Indexer answers the key command.
type Indexer interface {
	Index(key any) (any, error)
}

// KeyError is returned by Indexer implementations for missing keys.
type KeyError struct {
	Key any
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %v not found", e.Key)
}

// SliceIterator steps over a fixed list of values.
type SliceIterator struct {
	items []any
	pos   int
}

// NewSliceIterator returns an iterator over items.
func NewSliceIterator[T any](items []T) *SliceIterator {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return &SliceIterator{items: out}
}

func (it *SliceIterator) Next() (any, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}

// Arg returns positional argument i converted to T.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("missing argument %d", i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d: got %T, want %T", i, args[i], zero)
	}
	return v, nil
}

// OptArg returns positional argument i, or def when it is absent or nil.
func OptArg[T any](args []any, i int, def T) (T, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return Arg[T](args, i)
}

// SizeArg converts a size argument. Sizes may arrive as ipc.Size, as an
// integer byte count or as a human readable string.
func SizeArg(v any) (ipc.Size, error) {
	switch t := v.(type) {
	case ipc.Size:
		return t, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative size %d", t)
		}
		return ipc.Size(t), nil
	case uint64:
		return ipc.Size(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative size %d", t)
		}
		return ipc.Size(t), nil
	case string:
		return ipc.ParseSize(t)
	default:
		return 0, fmt.Errorf("invalid size %v (%T)", v, v)
	}
}
