package devicetree

import (
	"context"
	"fmt"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// DiskInfo describes a disk found by a Prober.
type DiskInfo struct {
	Name       string
	Size       ipc.Size
	Model      string
	Format     string
	Partitions []PartitionInfo
}

// PartitionInfo describes an existing partition.
type PartitionInfo struct {
	Name   string
	Size   ipc.Size
	Format string
}

// Prober discovers the disks present on the system.
type Prober interface {
	Probe(ctx context.Context) ([]DiskInfo, error)
}

// StaticProber returns a fixed disk list, typically from configuration.
type StaticProber []DiskInfo

// Probe implements Prober.
func (p StaticProber) Probe(ctx context.Context) ([]DiskInfo, error) {
	out := make([]DiskInfo, len(p))
	for i, d := range p {
		d.Partitions = append([]PartitionInfo(nil), d.Partitions...)
		out[i] = d
	}
	return out, nil
}

// ParseDisk builds a DiskInfo from configuration values.
func ParseDisk(name, size, model string) (DiskInfo, error) {
	s, err := ipc.ParseSize(size)
	if err != nil {
		return DiskInfo{}, fmt.Errorf("disk %s: %w", name, err)
	}
	return DiskInfo{Name: name, Size: s, Model: model}, nil
}
