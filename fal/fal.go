// Package fal is the flash abstraction layer: the partition table and
// named flash-device operations the OTA engine routes blocks through.
// Both collaborators are injected as capability interfaces so the
// engine is testable with in-memory mocks, never a process-global
// registry.
package fal

import "errors"

// Partition is a named, contiguous flash region.
type Partition struct {
	Name            string
	FlashDeviceName string
	Offset          uint32
	Length          uint32
}

// Provider supplies the device's partition table.
type Provider interface {
	GetTable() ([]Partition, error)
}

// FlashDevice is the two-operation capability the engine drives.
// Erase may over-erase (e.g. to a sector boundary) and reports how
// much was actually erased; Write reports a short count rather than
// an error when the device accepted fewer bytes than offered.
type FlashDevice interface {
	Erase(offset, length uint32) (erased uint32, err error)
	Write(offset uint32, data []byte) (written int, err error)
}

// Registry locates a FlashDevice by name.
type Registry interface {
	Find(name string) (FlashDevice, bool)
}

// ErrNotFound reports that no partition matches a name. TableRef.Find
// does not return it; it reports a miss through its bool result.
var ErrNotFound = errors.New("fal: partition not found")

// TableRef is the context's view of the active partition table: a
// tagged union distinguishing a table borrowed from a Provider (never
// freed by the engine) from one owned by the context because it was
// replaced by a FAL_PTABLE tag (freed at disposal).
type TableRef struct {
	entries []Partition
	owned   bool
}

// Borrow wraps a caller-owned table; Release is a no-op for it.
func Borrow(entries []Partition) TableRef {
	return TableRef{entries: entries}
}

// Own wraps a table the TableRef itself now owns (e.g. decoded from a
// FAL_PTABLE tag); Release clears it.
func Own(entries []Partition) TableRef {
	return TableRef{entries: entries, owned: true}
}

// Entries returns the current partition list.
func (t TableRef) Entries() []Partition { return t.entries }

// Owned reports whether this TableRef owns its entries.
func (t TableRef) Owned() bool { return t.owned }

// Release frees the table if owned; borrowed tables are left alone.
func (t *TableRef) Release() {
	if t.owned {
		t.entries = nil
		t.owned = false
	}
}

// Find looks up a partition by name.
func (t TableRef) Find(name string) (Partition, bool) {
	for _, p := range t.entries {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}
