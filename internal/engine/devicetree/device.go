package devicetree

import (
	"context"
	"fmt"
	"path"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Device types.
const (
	TypeDisk      = "disk"
	TypePartition = "partition"
	TypeLVMVG     = "lvmvg"
	TypeLVMLV     = "lvmlv"
)

// Device is one node of the device tree. Clients reach it through a proxy;
// every attribute is read with the param command.
type Device struct {
	tree      *Tree
	name      string
	typ       string
	size      ipc.Size
	format    string
	model     string
	protected bool
	exists    bool
	parents   []*Device
	children  []*Device
}

// Name returns the device name, e.g. "sda1".
func (d *Device) Name() string {
	return d.name
}

// Path returns the device node path.
func (d *Device) Path() string {
	switch d.typ {
	case TypeLVMVG:
		return path.Join("/dev", d.name)
	case TypeLVMLV:
		if len(d.parents) > 0 {
			return path.Join("/dev", d.parents[0].name, d.name)
		}
	}
	return path.Join("/dev", d.name)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %s (%s)", d.typ, d.name, d.size)
}

// Attr implements engine.Attributer.
func (d *Device) Attr(name string) (any, bool) {
	switch name {
	case "name":
		return d.name, true
	case "type":
		return d.typ, true
	case "path":
		return d.Path(), true
	case "size":
		return d.size, true
	case "format":
		if d.format == "" {
			return nil, true
		}
		return d.format, true
	case "model":
		return d.model, true
	case "protected":
		return d.protected, true
	case "is_disk":
		return d.typ == TypeDisk, true
	case "exists":
		return d.exists, true
	case "parents":
		return append([]*Device(nil), d.parents...), true
	case "children":
		return append([]*Device(nil), d.children...), true
	}
	return nil, false
}

// Methods implements engine.Invoker.
func (d *Device) Methods() engine.MethodSet {
	return engine.MethodSet{
		"depends_on":    d.dependsOn,
		"children_iter": d.childrenIter,
	}
}

func (d *Device) dependsOn(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	other, err := engine.Arg[*Device](args, 0)
	if err != nil {
		return nil, err
	}
	return d.DependsOn(other), nil
}

func (d *Device) childrenIter(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	return engine.NewSliceIterator(d.children), nil
}

// DependsOn reports whether other is an ancestor of d.
func (d *Device) DependsOn(other *Device) bool {
	for _, p := range d.parents {
		if p == other || p.DependsOn(other) {
			return true
		}
	}
	return false
}

// freeSpace returns the unallocated space of a container device.
func (d *Device) freeSpace() ipc.Size {
	switch d.typ {
	case TypeDisk, TypeLVMVG:
	default:
		return 0
	}
	if d.typ == TypeDisk && d.format != "" {
		return 0
	}
	used := ipc.Size(0)
	for _, c := range d.children {
		used += c.size
	}
	if used >= d.size {
		return 0
	}
	return d.size - used
}

func (d *Device) addChild(c *Device, pos int) {
	if pos < 0 || pos > len(d.children) {
		pos = len(d.children)
	}
	d.children = append(d.children, nil)
	copy(d.children[pos+1:], d.children[pos:])
	d.children[pos] = c
}

func (d *Device) removeChild(c *Device) int {
	for i, child := range d.children {
		if child == c {
			d.children = append(d.children[:i], d.children[i+1:]...)
			return i
		}
	}
	return -1
}

// Action is one queued, uncommitted change.
type Action struct {
	id     int64
	kind   string
	device *Device
	desc   string
	undo   func()
}

// Action kinds.
const (
	ActionCreateDevice  = "create device"
	ActionDestroyDevice = "destroy device"
	ActionCreateFormat  = "create format"
	ActionDestroyFormat = "destroy format"
	ActionResizeDevice  = "resize device"
)

func (a *Action) String() string {
	return a.desc
}

// Attr implements engine.Attributer.
func (a *Action) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return a.id, true
	case "type":
		return a.kind, true
	case "device":
		return a.device, true
	case "description":
		return a.desc, true
	}
	return nil, false
}
