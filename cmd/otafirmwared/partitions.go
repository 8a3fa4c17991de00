//go:build tinygo

package main

import (
	"openenterprise/otaforge/config"
	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/ota/rp2350"
	"openenterprise/otaforge/scheme"
)

// internalFlashName is the single named flash device this board exposes.
const internalFlashName = "internal"

// Default partition layout: a small bootloader region plus two
// equal-sized application slots for A/B OTA. Overridable for the
// lifetime of a single OTA stream via a FAL_PTABLE tag.
var defaultPartitions = []fal.Partition{
	{Name: "bootloader", FlashDeviceName: internalFlashName, Offset: 0x00000000, Length: 0x00010000},
	{Name: "app-a", FlashDeviceName: internalFlashName, Offset: 0x00010000, Length: 0x00100000},
	{Name: "app-b", FlashDeviceName: internalFlashName, Offset: 0x00110000, Length: 0x00100000},
}

// newDefaultRegistry wires the board's flash device into a fal.Registry.
func newDefaultRegistry() fal.Registry {
	return &singleDeviceRegistry{name: internalFlashName, dev: rp2350.NewDevice()}
}

type singleDeviceRegistry struct {
	name string
	dev  fal.FlashDevice
}

func (r *singleDeviceRegistry) Find(name string) (fal.FlashDevice, bool) {
	if name != r.name {
		return nil, false
	}
	return r.dev, true
}

// deviceScheme picks which of the two dual-slot scheme values this
// device session should resolve partitions under: always the slot
// that is NOT the currently running partition, so an OTA session
// writes the inactive side of the A/B pair.
func deviceScheme() scheme.Scheme {
	if rp2350.GetCurrentPartition() == 1 {
		return scheme.DeviceDual2
	}
	return scheme.DeviceDual1
}

// targetPartitionSlot maps the running partition index to which
// defaultPartitions entry the device boots into next (A<->B).
func targetPartitionSlot() string {
	if rp2350.GetCurrentPartition() == 1 {
		return "app-b"
	}
	return "app-a"
}

func deviceFamilyID() uint32 {
	if id, err := config.FamilyID(); err == nil && id != 0 {
		return id
	}
	return 0
}
