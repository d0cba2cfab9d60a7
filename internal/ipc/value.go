package ipc

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Handle identifies a daemon-side object that cannot be copied across the
// connection. Handles are only meaningful on the connection that minted them.
type Handle uint64

func (h Handle) String() string {
	return fmt.Sprintf("Handle(%d)", uint64(h))
}

// Size is a byte quantity. It is copied by value.
type Size uint64

// Common size units.
const (
	B   Size = 1
	KiB      = 1024 * B
	MiB      = 1024 * KiB
	GiB      = 1024 * MiB
	TiB      = 1024 * GiB
)

// ParseSize parses a human readable size such as "20 GiB" or "512MB".
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() uint64 {
	return uint64(s)
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

type endMarker struct{}

func (endMarker) String() string { return "End" }

// End is the value returned by an exhausted iterator. It is an ordinary
// value on the wire, not an error.
var End = endMarker{}

// IsEnd reports whether v is the end-of-iteration marker.
func IsEnd(v any) bool {
	_, ok := v.(endMarker)
	return ok
}

// Referencer mints handles for values outside the primitive set.
type Referencer interface {
	Ref(v any) (Handle, error)
}

// Resolver maps a handle back to the value it stands for.
type Resolver func(Handle) (any, error)
