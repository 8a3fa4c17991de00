package fal

import "errors"

// ErrShortWrite is returned by MemDevice.Write when asked to write
// past the device's simulated capacity.
var ErrShortWrite = errors.New("fal: write exceeds device capacity")

// MemDevice is an in-memory FlashDevice backing tests and the
// `uf2ctl apply` dry run. It tracks every erase/write call so tests
// can assert on ordering and coalescing.
type MemDevice struct {
	Bytes      []byte
	EraseCalls []EraseCall
	WriteCalls []WriteCall
	// EraseGranularity rounds every erase up to this many bytes,
	// simulating a driver that erases whole sectors (default 4096).
	EraseGranularity uint32
}

// EraseCall records one Erase invocation and what was returned.
type EraseCall struct {
	Offset, Length, Erased uint32
}

// WriteCall records one Write invocation.
type WriteCall struct {
	Offset uint32
	Data   []byte
}

// NewMemDevice creates a zero-filled device of the given capacity.
func NewMemDevice(capacity uint32) *MemDevice {
	return &MemDevice{Bytes: make([]byte, capacity), EraseGranularity: 4096}
}

// Erase implements FlashDevice, over-erasing to EraseGranularity.
func (d *MemDevice) Erase(offset, length uint32) (uint32, error) {
	gran := d.EraseGranularity
	if gran == 0 {
		gran = 1
	}
	start := (offset / gran) * gran
	end := offset + length
	if rem := end % gran; rem != 0 {
		end += gran - rem
	}
	if end > uint32(len(d.Bytes)) {
		end = uint32(len(d.Bytes))
	}
	for i := start; i < end; i++ {
		d.Bytes[i] = 0xFF
	}
	erased := end - start
	d.EraseCalls = append(d.EraseCalls, EraseCall{Offset: offset, Length: length, Erased: erased})
	return erased, nil
}

// Write implements FlashDevice.
func (d *MemDevice) Write(offset uint32, data []byte) (int, error) {
	if int(offset)+len(data) > len(d.Bytes) {
		return 0, ErrShortWrite
	}
	n := copy(d.Bytes[offset:], data)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.WriteCalls = append(d.WriteCalls, WriteCall{Offset: offset, Data: cp})
	return n, nil
}

// MemRegistry is a Registry backed by a plain name→device map.
type MemRegistry struct {
	devices map[string]FlashDevice
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{devices: make(map[string]FlashDevice)}
}

// Add registers a device under name.
func (r *MemRegistry) Add(name string, dev FlashDevice) {
	r.devices[name] = dev
}

// Find implements Registry.
func (r *MemRegistry) Find(name string) (FlashDevice, bool) {
	dev, ok := r.devices[name]
	return dev, ok
}
