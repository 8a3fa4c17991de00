// Package binpatch interprets the compact opcode stream carried in a
// UF2 block's BINPATCH tag, rewriting 32-bit words within a block's
// 476-byte data area in place before it reaches flash.
package binpatch

import "errors"

// OpDiff32 is the only defined opcode: overwrite a little-endian
// 32-bit word at a given offset.
const OpDiff32 byte = 0xFE

// ErrUnknownOpcode is returned for any opcode other than OpDiff32.
var ErrUnknownOpcode = errors.New("binpatch: unknown opcode")

// ErrWriteFailed is returned when a DIFF32 record's offset would
// write past the end of the data area.
var ErrWriteFailed = errors.New("binpatch: offset out of range")

// ErrTruncated is returned when the opcode stream is too short for
// its declared record count.
var ErrTruncated = errors.New("binpatch: truncated record")

// Apply interprets patch (a single opcode record, per the BINPATCH
// tag's payload) and rewrites words in data (the block's 476-byte
// area) accordingly.
func Apply(data []byte, patch []byte) error {
	if len(patch) == 0 {
		return nil
	}
	op := patch[0]
	if op != OpDiff32 {
		return ErrUnknownOpcode
	}
	if len(patch) < 2 {
		return ErrTruncated
	}
	count := int(patch[1])
	rec := patch[2:]
	const pairSize = 6 // offset_u16_le + value_u32_le
	if len(rec) < count*pairSize {
		return ErrTruncated
	}

	for i := 0; i < count; i++ {
		p := rec[i*pairSize : i*pairSize+pairSize]
		offset := int(p[0]) | int(p[1])<<8
		value := uint32(p[2]) | uint32(p[3])<<8 | uint32(p[4])<<16 | uint32(p[5])<<24
		if offset+4 > len(data) {
			return ErrWriteFailed
		}
		data[offset] = byte(value)
		data[offset+1] = byte(value >> 8)
		data[offset+2] = byte(value >> 16)
		data[offset+3] = byte(value >> 24)
	}
	return nil
}
