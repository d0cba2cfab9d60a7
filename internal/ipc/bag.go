package ipc

import (
	"fmt"
	"strings"
)

// Bag is an ordered set of named values. Keys are unique; setting an
// existing key replaces the value in place.
type Bag struct {
	keys   []string
	values map[string]any
}

// NewBag builds a bag from alternating key/value pairs.
func NewBag(kv ...any) *Bag {
	if len(kv)%2 != 0 {
		panic("ipc.NewBag: odd number of arguments")
	}
	b := &Bag{values: make(map[string]any, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("ipc.NewBag: key %v is not a string", kv[i]))
		}
		b.Set(key, kv[i+1])
	}
	return b
}

// Set stores value under key and returns the bag.
func (b *Bag) Set(key string, value any) *Bag {
	if b.values == nil {
		b.values = make(map[string]any)
	}
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}

// Get returns the value stored under key.
func (b *Bag) Get(key string) (any, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b.values[key]
	return v, ok
}

// Has reports whether key is present.
func (b *Bag) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (b *Bag) Keys() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.keys...)
}

// Len returns the number of entries.
func (b *Bag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// String returns the string stored under key, or "".
func (b *Bag) String(key string) string {
	v, _ := b.Get(key)
	s, _ := v.(string)
	return s
}

// Bool returns the boolean stored under key, or false.
func (b *Bag) Bool(key string) bool {
	v, _ := b.Get(key)
	t, _ := v.(bool)
	return t
}

// Each calls fn for every entry in insertion order.
func (b *Bag) Each(fn func(key string, value any)) {
	if b == nil {
		return
	}
	for _, k := range b.keys {
		fn(k, b.values[k])
	}
}

// Format renders the bag for logs and debugging.
func (b *Bag) Format() string {
	var sb strings.Builder
	sb.WriteByte('{')
	b.Each(func(key string, value any) {
		if sb.Len() > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", key, value)
	})
	sb.WriteByte('}')
	return sb.String()
}
