//go:build !linux

package devicetree

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
)

// UdevProber is only available on Linux.
type UdevProber struct {
	Log zerolog.Logger
}

// Probe implements Prober.
func (p UdevProber) Probe(ctx context.Context) ([]DiskInfo, error) {
	return nil, fmt.Errorf("%w: udev discovery is not supported on %s, configure [[engine.disks]]", engine.ErrUnusable, runtime.GOOS)
}
