package devicetree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

const sectorSize = 512

var (
	sysRoot     = "/sys"
	udevDataDir = "/run/udev/data"
)

// UdevProber discovers block devices by crawling sysfs with go-udev.
type UdevProber struct {
	Log zerolog.Logger
}

func blockRule() netlink.Matcher {
	return &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{
				Env: map[string]string{
					"SUBSYSTEM": "block",
				},
			},
		},
	}
}

type blockDevice struct {
	kobj  string
	name  string
	typ   string
	major string
	minor string
}

// Probe implements Prober.
func (p UdevProber) Probe(ctx context.Context) ([]DiskInfo, error) {
	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, errs, blockRule())

	found, err := p.collect(ctx, queue, errs, quit)
	if err != nil {
		return nil, err
	}

	disks := make(map[string]*DiskInfo)
	var order []string
	for _, bd := range found {
		if bd.typ != "disk" {
			continue
		}
		size, err := readSize(bd.kobj)
		if err != nil || size == 0 {
			p.Log.Debug().Str("disk", bd.name).Msg("skipping disk without media")
			continue
		}
		props := readUdevData(bd.major, bd.minor)
		disks[bd.name] = &DiskInfo{
			Name:   bd.name,
			Size:   size,
			Model:  firstNonEmpty(props["ID_MODEL"], readAttr(bd.kobj, "device/model")),
			Format: props["ID_FS_TYPE"],
		}
		order = append(order, bd.name)
	}

	for _, bd := range found {
		if bd.typ != "partition" {
			continue
		}
		parent := filepath.Base(filepath.Dir(bd.kobj))
		disk, ok := disks[parent]
		if !ok {
			continue
		}
		size, err := readSize(bd.kobj)
		if err != nil {
			continue
		}
		props := readUdevData(bd.major, bd.minor)
		disk.Partitions = append(disk.Partitions, PartitionInfo{
			Name:   bd.name,
			Size:   size,
			Format: props["ID_FS_TYPE"],
		})
	}

	sort.Strings(order)
	out := make([]DiskInfo, 0, len(order))
	for _, name := range order {
		d := disks[name]
		sort.Slice(d.Partitions, func(i, j int) bool {
			return d.Partitions[i].Name < d.Partitions[j].Name
		})
		out = append(out, *d)
	}
	return out, nil
}

// collect reads crawled devices until the crawler closes queue. On an early
// return it stops the crawler and drains queue so the crawler goroutine can
// finish its pending send and exit.
func (p UdevProber) collect(ctx context.Context, queue <-chan crawler.Device, errs <-chan error, quit chan<- struct{}) ([]blockDevice, error) {
	finished := false
	defer func() {
		if finished {
			return
		}
		select {
		case quit <- struct{}{}:
		default:
		}
		for range queue {
		}
	}()

	var found []blockDevice
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-errs:
			return nil, fmt.Errorf("crawling block devices: %w", err)
		case dev, ok := <-queue:
			if !ok {
				finished = true
				return found, nil
			}
			bd := blockDevice{
				kobj:  dev.KObj,
				name:  dev.Env["DEVNAME"],
				typ:   dev.Env["DEVTYPE"],
				major: dev.Env["MAJOR"],
				minor: dev.Env["MINOR"],
			}
			if bd.name == "" || strings.Contains(bd.kobj, "/virtual/") {
				p.Log.Debug().Str("kobj", bd.kobj).Msg("skipping virtual block device")
				continue
			}
			found = append(found, bd)
		}
	}
}

func sysPath(kobj string) string {
	if strings.HasPrefix(kobj, sysRoot+"/") {
		return kobj
	}
	return filepath.Join(sysRoot, kobj)
}

func readAttr(kobj, attr string) string {
	data, err := os.ReadFile(filepath.Join(sysPath(kobj), attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSize(kobj string) (ipc.Size, error) {
	raw := readAttr(kobj, "size")
	if raw == "" {
		return 0, errors.New("size attribute missing")
	}
	sectors, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", raw, err)
	}
	return ipc.Size(sectors * sectorSize), nil
}

// readUdevData reads the E: properties udev recorded for a block device.
func readUdevData(major, minor string) map[string]string {
	props := make(map[string]string)
	if major == "" || minor == "" {
		return props
	}
	f, err := os.Open(filepath.Join(udevDataDir, "b"+major+":"+minor))
	if err != nil {
		return props
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "E:")
		if !ok {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[key] = value
	}
	return props
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
