package devicetree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilebones/go-udev/crawler"
	"github.com/rs/zerolog"
)

// fakeCrawler mimics crawler.ExistingDevices: it checks quit before each
// unbuffered send and closes queue when it is done.
func fakeCrawler(devices []crawler.Device) (chan crawler.Device, chan error, chan struct{}, <-chan struct{}) {
	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := make(chan struct{}, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer close(queue)
		for _, dev := range devices {
			select {
			case <-quit:
				errs <- errors.New("abort signal receive")
				return
			default:
			}
			queue <- dev
		}
	}()
	return queue, errs, quit, exited
}

func blockDev(kobj, name, typ string) crawler.Device {
	return crawler.Device{KObj: kobj, Env: map[string]string{
		"DEVNAME": name,
		"DEVTYPE": typ,
		"MAJOR":   "8",
		"MINOR":   "0",
	}}
}

func TestCollectReadsUntilQueueCloses(t *testing.T) {
	queue, errs, quit, exited := fakeCrawler([]crawler.Device{
		blockDev("/sys/devices/pci0000:00/block/sda", "sda", "disk"),
		blockDev("/sys/devices/virtual/block/loop0", "loop0", "disk"),
		blockDev("/sys/devices/pci0000:00/block/sda/sda1", "sda1", "partition"),
	})

	found, err := UdevProber{Log: zerolog.Nop()}.collect(context.Background(), queue, errs, quit)
	if err != nil {
		t.Fatalf("collect() error = %v", err)
	}
	if len(found) != 2 || found[0].name != "sda" || found[1].name != "sda1" {
		t.Fatalf("collect() = %+v, want sda and sda1", found)
	}
	<-exited
}

func TestCollectCancelledStopsCrawler(t *testing.T) {
	devices := make([]crawler.Device, 50)
	for i := range devices {
		devices[i] = blockDev("/sys/devices/pci0000:00/block/sda", "sda", "disk")
	}
	queue, errs, quit, exited := fakeCrawler(devices)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (UdevProber{Log: zerolog.Nop()}).collect(ctx, queue, errs, quit); !errors.Is(err, context.Canceled) {
		t.Fatalf("collect() error = %v, want context.Canceled", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("crawler goroutine still blocked after collect returned")
	}
}
