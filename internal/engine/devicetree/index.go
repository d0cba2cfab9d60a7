package devicetree

import (
	"context"
	"fmt"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// DeviceIndex is the snapshot returned by get_devices. It is indexed by
// device name or position and iterated with its iter method.
type DeviceIndex struct {
	devices []*Device
	byName  map[string]*Device
}

func newDeviceIndex(devices []*Device) *DeviceIndex {
	idx := &DeviceIndex{
		devices: append([]*Device(nil), devices...),
		byName:  make(map[string]*Device, len(devices)),
	}
	for _, d := range idx.devices {
		idx.byName[d.name] = d
	}
	return idx
}

// Index implements engine.Indexer.
func (idx *DeviceIndex) Index(key any) (any, error) {
	switch k := key.(type) {
	case string:
		if d, ok := idx.byName[k]; ok {
			return d, nil
		}
	case int64:
		if k < 0 {
			k += int64(len(idx.devices))
		}
		if k >= 0 && k < int64(len(idx.devices)) {
			return idx.devices[k], nil
		}
	default:
		return nil, fmt.Errorf("device index key must be a name or position, got %T", key)
	}
	return nil, &engine.KeyError{Key: key}
}

// Attr implements engine.Attributer.
func (idx *DeviceIndex) Attr(name string) (any, bool) {
	switch name {
	case "len":
		return int64(len(idx.devices)), true
	case "names":
		names := make([]string, len(idx.devices))
		for i, d := range idx.devices {
			names[i] = d.name
		}
		return names, true
	}
	return nil, false
}

// Methods implements engine.Invoker.
func (idx *DeviceIndex) Methods() engine.MethodSet {
	return engine.MethodSet{
		"iter": func(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
			return engine.NewSliceIterator(idx.devices), nil
		},
	}
}
