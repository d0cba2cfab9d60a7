// Package devicetree is the reference storage engine: an in-memory device
// tree with a queue of pending actions that are applied on commit.
package devicetree

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// MinDeviceSize is the smallest partition or logical volume accepted.
const MinDeviceSize = ipc.MiB

// ErrReadOnly is returned by mutating operations when the engine was
// initialized with the readonly flag.
var ErrReadOnly = errors.New("storage is opened read-only")

var knownFormats = map[string]bool{
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
	"vfat":  true,
	"swap":  true,
	"lvmpv": true,
}

// Tree implements engine.Engine. It is owned by a single dispatcher and is
// not safe for concurrent use.
type Tree struct {
	prober   Prober
	opts     engine.Options
	log      zerolog.Logger
	readonly bool

	devices []*Device
	byName  map[string]*Device
	actions []*Action
	nextID  int64
}

// NewFactory returns an engine.Factory building trees from prober.
func NewFactory(prober Prober, logger zerolog.Logger) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return New(ctx, prober, opts, logger)
	}
}

// New probes the disks and builds the tree.
func New(ctx context.Context, prober Prober, opts engine.Options, logger zerolog.Logger) (*Tree, error) {
	t := &Tree{
		prober:   prober,
		opts:     opts,
		log:      logger.With().Str("component", "devicetree").Logger(),
		readonly: opts.Flags.Bool("readonly"),
	}
	if err := t.populate(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) populate(ctx context.Context) error {
	disks, err := t.prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probing disks: %w", err)
	}

	protected := make(map[string]bool)
	if v, ok := t.opts.Flags.Get("protected"); ok {
		list, _ := v.([]any)
		for _, item := range list {
			if name, ok := item.(string); ok {
				protected[name] = true
			}
		}
	}

	t.devices = nil
	t.byName = make(map[string]*Device)
	t.actions = nil

	for _, info := range disks {
		if !t.opts.Filter(info.Name) {
			t.log.Debug().Str("disk", info.Name).Msg("disk filtered out")
			continue
		}
		disk := &Device{
			tree:      t,
			name:      info.Name,
			typ:       TypeDisk,
			size:      info.Size,
			format:    info.Format,
			model:     info.Model,
			protected: protected[info.Name],
			exists:    true,
		}
		t.insert(disk, -1)
		for _, p := range info.Partitions {
			part := &Device{
				tree:      t,
				name:      p.Name,
				typ:       TypePartition,
				size:      p.Size,
				format:    p.Format,
				protected: disk.protected || protected[p.Name],
				exists:    true,
				parents:   []*Device{disk},
			}
			disk.addChild(part, -1)
			t.insert(part, -1)
		}
	}

	if len(t.devices) == 0 {
		return fmt.Errorf("%w: no disks available", engine.ErrUnusable)
	}
	t.log.Info().Int("devices", len(t.devices)).Msg("device tree populated")
	return nil
}

func (t *Tree) insert(d *Device, pos int) {
	if pos < 0 || pos > len(t.devices) {
		pos = len(t.devices)
	}
	t.devices = append(t.devices, nil)
	copy(t.devices[pos+1:], t.devices[pos:])
	t.devices[pos] = d
	t.byName[d.name] = d
}

func (t *Tree) remove(d *Device) int {
	delete(t.byName, d.name)
	for i, dev := range t.devices {
		if dev == d {
			t.devices = append(t.devices[:i], t.devices[i+1:]...)
			return i
		}
	}
	return -1
}

// Methods implements engine.Invoker.
func (t *Tree) Methods() engine.MethodSet {
	return engine.MethodSet{
		"get_disks":      t.getDisks,
		"get_devices":    t.getDevices,
		"get_device":     t.getDevice,
		"get_children":   t.getChildren,
		"get_free_space": t.getFreeSpace,
		"add_device":     t.addDevice,
		"delete_device":  t.deleteDevice,
		"format_device":  t.formatDevice,
		"resize_device":  t.resizeDevice,
		"get_actions":    t.getActions,
		"cancel_actions": t.cancelActions,
		"blivet_reset":   t.reset,
	}
}

// Disks returns the disks in probe order.
func (t *Tree) Disks() []*Device {
	var out []*Device
	for _, d := range t.devices {
		if d.typ == TypeDisk {
			out = append(out, d)
		}
	}
	return out
}

// Device returns the named device.
func (t *Tree) Device(name string) (*Device, error) {
	d, ok := t.byName[name]
	if !ok {
		return nil, &engine.KeyError{Key: name}
	}
	return d, nil
}

// Actions returns the pending actions in queue order.
func (t *Tree) Actions() []*Action {
	return append([]*Action(nil), t.actions...)
}

func (t *Tree) getDisks(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	return t.Disks(), nil
}

func (t *Tree) getDevices(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	return newDeviceIndex(t.devices), nil
}

func (t *Tree) getDevice(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	return t.deviceArg(args, 0)
}

func (t *Tree) getChildren(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	d, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	return append([]*Device(nil), d.children...), nil
}

func (t *Tree) getFreeSpace(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	d, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	return d.freeSpace(), nil
}

func (t *Tree) getActions(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	return t.Actions(), nil
}

// deviceArg accepts a device proxy or a device name.
func (t *Tree) deviceArg(args []any, i int) (*Device, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing device argument %d", i)
	}
	switch v := args[i].(type) {
	case *Device:
		if v.tree != t || t.byName[v.name] != v {
			return nil, fmt.Errorf("device %s is no longer part of the device tree", v.name)
		}
		return v, nil
	case string:
		return t.Device(v)
	default:
		return nil, fmt.Errorf("argument %d: got %T, want device or device name", i, args[i])
	}
}

func (t *Tree) stringArg(args []any, i int, kwargs *ipc.Bag, key string) (string, error) {
	if kwargs.Has(key) {
		return kwargs.String(key), nil
	}
	return engine.OptArg(args, i, "")
}

func (t *Tree) writable() error {
	if t.readonly {
		return ErrReadOnly
	}
	return nil
}

func (t *Tree) queue(kind string, d *Device, desc string, undo func()) *Action {
	t.nextID++
	a := &Action{id: t.nextID, kind: kind, device: d, desc: desc, undo: undo}
	t.actions = append(t.actions, a)
	t.log.Debug().Int64("action", a.id).Str("kind", kind).Str("device", d.name).Msg(desc)
	return a
}

// addDevice creates a device: add_device(parent, type, size[, format[, name]]).
func (t *Tree) addDevice(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	parent, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	typ, err := engine.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}
	var size ipc.Size
	if len(args) > 2 && args[2] != nil {
		if size, err = engine.SizeArg(args[2]); err != nil {
			return nil, err
		}
	}
	format, err := t.stringArg(args, 3, kwargs, "format")
	if err != nil {
		return nil, err
	}
	name, err := t.stringArg(args, 4, kwargs, "name")
	if err != nil {
		return nil, err
	}
	if format != "" && !knownFormats[format] {
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if name != "" {
		if _, taken := t.byName[name]; taken {
			return nil, fmt.Errorf("device name %q is already in use", name)
		}
	}
	if parent.protected {
		return nil, fmt.Errorf("device %s is protected", parent.name)
	}

	dev := &Device{tree: t, name: name, typ: typ, format: format, parents: []*Device{parent}}

	switch typ {
	case TypePartition:
		if parent.typ != TypeDisk {
			return nil, fmt.Errorf("partitions can only be created on disks, %s is a %s", parent.name, parent.typ)
		}
		if parent.format != "" {
			return nil, fmt.Errorf("disk %s carries a %s format, remove it first", parent.name, parent.format)
		}
		if err := checkFits(parent, size); err != nil {
			return nil, err
		}
		dev.size = size
		if dev.name == "" {
			dev.name = t.partitionName(parent)
		}
	case TypeLVMVG:
		if parent.typ != TypePartition && parent.typ != TypeDisk {
			return nil, fmt.Errorf("volume groups need a partition or disk, %s is a %s", parent.name, parent.typ)
		}
		if len(parent.children) > 0 {
			return nil, fmt.Errorf("device %s is already in use", parent.name)
		}
		if parent.format != "" && parent.format != "lvmpv" {
			return nil, fmt.Errorf("device %s carries a %s format, remove it first", parent.name, parent.format)
		}
		if format != "" {
			return nil, errors.New("volume groups cannot be formatted")
		}
		dev.size = parent.size
		if dev.name == "" {
			dev.name = t.uniqueName("vg")
		}
	case TypeLVMLV:
		if parent.typ != TypeLVMVG {
			return nil, fmt.Errorf("logical volumes need a volume group, %s is a %s", parent.name, parent.typ)
		}
		if err := checkFits(parent, size); err != nil {
			return nil, err
		}
		dev.size = size
		if dev.name == "" {
			dev.name = t.uniqueName("lv")
		}
	default:
		return nil, fmt.Errorf("unsupported device type %q", typ)
	}

	oldParentFormat := parent.format
	if typ == TypeLVMVG {
		parent.format = "lvmpv"
	}
	parent.addChild(dev, -1)
	t.insert(dev, -1)

	t.queue(ActionCreateDevice, dev, fmt.Sprintf("create %s %s (%s) on %s", typ, dev.name, dev.size, parent.name), func() {
		parent.removeChild(dev)
		t.remove(dev)
		parent.format = oldParentFormat
	})
	if format != "" {
		t.queue(ActionCreateFormat, dev, fmt.Sprintf("create format %s on %s", format, dev.name), func() {
			dev.format = ""
		})
	}
	return dev, nil
}

func checkFits(parent *Device, size ipc.Size) error {
	if size < MinDeviceSize {
		return fmt.Errorf("size %s is below the minimum of %s", size, MinDeviceSize)
	}
	if free := parent.freeSpace(); size > free {
		return fmt.Errorf("not enough free space on %s: requested %s, available %s", parent.name, size, free)
	}
	return nil
}

func (t *Tree) partitionName(disk *Device) string {
	prefix := disk.name
	if r := []rune(prefix); len(r) > 0 && unicode.IsDigit(r[len(r)-1]) {
		prefix += "p"
	}
	for n := 1; ; n++ {
		name := prefix + strconv.Itoa(n)
		if _, taken := t.byName[name]; !taken {
			return name
		}
	}
}

func (t *Tree) uniqueName(prefix string) string {
	for n := 0; ; n++ {
		name := prefix + strconv.Itoa(n)
		if _, taken := t.byName[name]; !taken {
			return name
		}
	}
}

func (t *Tree) deleteDevice(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	dev, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	switch {
	case dev.typ == TypeDisk:
		return nil, fmt.Errorf("disk %s cannot be deleted", dev.name)
	case dev.protected:
		return nil, fmt.Errorf("device %s is protected", dev.name)
	case len(dev.children) > 0:
		return nil, fmt.Errorf("device %s has children, delete them first", dev.name)
	}

	treePos := t.remove(dev)
	childPos := make([]int, len(dev.parents))
	for i, p := range dev.parents {
		childPos[i] = p.removeChild(dev)
	}

	t.queue(ActionDestroyDevice, dev, fmt.Sprintf("destroy %s %s", dev.typ, dev.name), func() {
		for i, p := range dev.parents {
			p.addChild(dev, childPos[i])
		}
		t.insert(dev, treePos)
	})
	return nil, nil
}

func (t *Tree) formatDevice(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	dev, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	format, err := t.stringArg(args, 1, kwargs, "format")
	if err != nil {
		return nil, err
	}
	if format == "none" {
		format = ""
	}
	switch {
	case format != "" && !knownFormats[format]:
		return nil, fmt.Errorf("unknown format %q", format)
	case dev.typ == TypeLVMVG:
		return nil, errors.New("volume groups cannot be formatted")
	case dev.protected:
		return nil, fmt.Errorf("device %s is protected", dev.name)
	case len(dev.children) > 0:
		return nil, fmt.Errorf("device %s has children, delete them first", dev.name)
	case format == dev.format:
		return nil, nil
	}

	old := dev.format
	if old != "" {
		dev.format = ""
		t.queue(ActionDestroyFormat, dev, fmt.Sprintf("destroy format %s on %s", old, dev.name), func() {
			dev.format = old
		})
	}
	if format != "" {
		dev.format = format
		t.queue(ActionCreateFormat, dev, fmt.Sprintf("create format %s on %s", format, dev.name), func() {
			dev.format = ""
		})
	}
	return nil, nil
}

func (t *Tree) resizeDevice(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	dev, err := t.deviceArg(args, 0)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, errors.New("missing size argument")
	}
	size, err := engine.SizeArg(args[1])
	if err != nil {
		return nil, err
	}
	switch {
	case dev.typ != TypePartition && dev.typ != TypeLVMLV:
		return nil, fmt.Errorf("%s devices cannot be resized", dev.typ)
	case dev.protected:
		return nil, fmt.Errorf("device %s is protected", dev.name)
	case len(dev.children) > 0:
		return nil, fmt.Errorf("device %s has children and cannot be resized", dev.name)
	case (dev.format == "swap" || dev.format == "vfat") && size < dev.size:
		return nil, fmt.Errorf("%s format on %s cannot be shrunk", dev.format, dev.name)
	case size < MinDeviceSize:
		return nil, fmt.Errorf("size %s is below the minimum of %s", size, MinDeviceSize)
	}
	if size == dev.size {
		return nil, nil
	}
	parent := dev.parents[0]
	if limit := dev.size + parent.freeSpace(); size > limit {
		return nil, fmt.Errorf("not enough free space on %s: requested %s, maximum %s", parent.name, size, limit)
	}

	old := dev.size
	dev.size = size
	t.queue(ActionResizeDevice, dev, fmt.Sprintf("resize %s %s from %s to %s", dev.typ, dev.name, old, size), func() {
		dev.size = old
	})
	return nil, nil
}

// cancelActions undoes the given actions and every action queued after
// them. Without arguments the last action is canceled. It returns the
// number of canceled actions.
func (t *Tree) cancelActions(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if len(t.actions) == 0 {
		return int64(0), nil
	}

	from := len(t.actions) - 1
	if len(args) > 0 && args[0] != nil {
		list, ok := args[0].([]any)
		if !ok {
			list = []any{args[0]}
		}
		from = len(t.actions)
		for _, item := range list {
			a, ok := item.(*Action)
			if !ok {
				return nil, fmt.Errorf("cancel_actions expects actions, got %T", item)
			}
			i := t.actionIndex(a)
			if i < 0 {
				return nil, fmt.Errorf("action %d is not pending", a.id)
			}
			from = min(from, i)
		}
	}

	n := t.cancelFrom(from)
	return int64(n), nil
}

func (t *Tree) actionIndex(a *Action) int {
	for i, pending := range t.actions {
		if pending == a {
			return i
		}
	}
	return -1
}

func (t *Tree) cancelFrom(from int) int {
	n := 0
	for i := len(t.actions) - 1; i >= from; i-- {
		a := t.actions[i]
		a.undo()
		t.log.Debug().Int64("action", a.id).Msg("action canceled")
		n++
	}
	t.actions = t.actions[:from]
	return n
}

func (t *Tree) reset(ctx context.Context, args []any, kwargs *ipc.Bag) (any, error) {
	if err := t.populate(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// Commit implements engine.Engine. Every pending action is reported through
// progress and then marked as applied.
func (t *Tree) Commit(ctx context.Context, progress engine.ProgressFunc) (*ipc.Bag, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	total := len(t.actions)
	for i, a := range t.actions {
		if err := ctx.Err(); err != nil {
			t.actions = t.actions[i:]
			return nil, fmt.Errorf("commit interrupted after %d of %d actions: %w", i, total, err)
		}
		progress(fmt.Sprintf("[%d/%d] %s", i+1, total, a.desc))
		switch a.kind {
		case ActionCreateDevice:
			a.device.exists = true
		case ActionDestroyDevice:
			a.device.exists = false
		}
	}
	t.actions = nil
	t.log.Info().Int("actions", total).Msg("actions committed")
	return engine.CommitResult(nil, ""), nil
}

// Close implements engine.Engine.
func (t *Tree) Close() error {
	if n := len(t.actions); n > 0 {
		t.log.Warn().Int("actions", n).Msg("discarding uncommitted actions")
	}
	t.actions = nil
	return nil
}
