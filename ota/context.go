// Package ota is the streaming OTA Writer: the on-chip state machine
// that validates a UF2 byte stream, interprets its tagged metadata,
// selects a target flash partition via the device's OTA scheme,
// optionally binpatches each block, and commits it to flash with
// erase coalescing and strict ordering.
package ota

import (
	"time"

	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/scheme"
)

// Info is populated from the header block: firmware name/version, LT
// version, board code, and build date. Its lifetime is independent of
// Context.
type Info struct {
	FirmwareName    string
	FirmwareVersion string
	LTVersion       string
	BoardCode       string

	// BuildDate is the zero Time if the header carried no BUILD_DATE tag.
	BuildDate time.Time
}

// NewInfo returns an empty Info ready to be passed to ParseHeader.
func NewInfo() *Info { return &Info{} }

// Context is the per-stream mutable state driven by one OTA Writer
// session. Zero value is not useful; construct with NewContext.
type Context struct {
	scheme   scheme.Scheme
	familyID uint32
	registry fal.Registry
	table    fal.TableRef

	seq uint32

	part        *fal.Partition
	flash       fal.FlashDevice
	isFormatOK  bool
	isPartSet   bool
	binpatch    []byte

	erasedOffset uint32
	erasedLength uint32
	haveErased   bool

	written uint64
}

// NewContext creates a Context for one OTA stream, bound to sch and
// familyID, resolving partitions from table and flash devices from
// registry. table is later replaceable for the lifetime of the
// context by a FAL_PTABLE tag in the stream.
func NewContext(sch scheme.Scheme, familyID uint32, table fal.TableRef, registry fal.Registry) *Context {
	return &Context{
		scheme:   sch,
		familyID: familyID,
		registry: registry,
		table:    table,
	}
}

// Written returns the number of payload bytes committed to flash so far.
func (c *Context) Written() uint64 { return c.written }

// Partition returns the partition the stream resolved to, once the
// scheme resolver has assigned one. ok is false before a partition has
// been set (no OTA_PART_INFO tag naming a partition has been processed
// yet, by ParseHeader or Write) or after an index-0 OTA_PART_INFO tag
// cleared it.
func (c *Context) Partition() (p fal.Partition, ok bool) {
	if c.part == nil {
		return fal.Partition{}, false
	}
	return *c.part, true
}

// EraseWindow returns the most recent erase performed by Write: the
// flash-device offset and length of the region the device reported as
// actually erased. ok is false if no block has triggered an erase yet
// (or an OTA_PART_INFO tag has been processed since the last erase).
func (c *Context) EraseWindow() (offset, length uint32, ok bool) {
	return c.erasedOffset, c.erasedLength, c.haveErased
}

// Close disposes the context, freeing the partition table if it was
// replaced by a FAL_PTABLE tag. Idempotent.
func (c *Context) Close() {
	c.table.Release()
	c.part = nil
	c.flash = nil
	c.binpatch = nil
}

func (c *Context) clearPartition() {
	c.part = nil
	c.flash = nil
	c.erasedLength = 0
	c.haveErased = false
}

func (c *Context) resetErasedRegion() {
	c.erasedLength = 0
	c.haveErased = false
}
