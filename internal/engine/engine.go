// Package engine defines the storage-engine facade served by the daemon and
// the interfaces through which daemon-side objects are reached by proxies.
package engine

import (
	"context"
	"errors"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

var (
	// ErrUnusable is returned by a Factory when the storage configuration
	// cannot be used at all.
	ErrUnusable = errors.New("storage resource is unusable")
	// ErrUnknownOperation is returned for operations outside the engine's
	// method set.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Options configures an engine at init time.
type Options struct {
	IgnoredDisks   []string
	ExclusiveDisks []string
	Flags          *ipc.Bag
}

// ProgressFunc receives progress lines during a commit.
type ProgressFunc func(text string)

// Engine is the storage-engine facade. Operations are reached by name
// through Methods; the commit is separate because its progress is streamed.
type Engine interface {
	Invoker
	Commit(ctx context.Context, progress ProgressFunc) (*ipc.Bag, error)
	Close() error
}

// Factory builds an engine. It returns an error wrapping ErrUnusable when
// the storage configuration cannot be used.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// CommitResult builds the bag returned by Commit.
func CommitResult(err error, trace string) *ipc.Bag {
	if err == nil {
		return ipc.NewBag("success", true)
	}
	return ipc.NewBag(
		"success", false,
		"exception", ipc.AsRemoteError(err),
		"traceback", trace,
	)
}

// Filter reports whether a disk passes the ignored/exclusive lists.
func (o Options) Filter(name string) bool {
	for _, ignored := range o.IgnoredDisks {
		if ignored == name {
			return false
		}
	}
	if len(o.ExclusiveDisks) == 0 {
		return true
	}
	for _, exclusive := range o.ExclusiveDisks {
		if exclusive == name {
			return true
		}
	}
	return false
}
