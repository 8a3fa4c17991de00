// Package uf2 implements the block and tag codec for the UF2-variant
// container used to carry firmware updates: a fixed 512-byte record
// with three magic words, a flag bitfield, and a 476-byte payload area
// shared between raw data, an optional MD5 record, and a tag region.
package uf2

import (
	"encoding/binary"
	"errors"
)

// Wire-format magic words. Part of the on-disk contract; never change.
const (
	Magic1 uint32 = 0x0A324655
	Magic2 uint32 = 0x9E5D5157
	Magic3 uint32 = 0x0AB16F30
)

// BlockSize is the fixed size of every block on the wire.
const BlockSize = 512

// DataSize is the size of the payload area shared by raw data, tags,
// and the optional MD5 record.
const DataSize = 476

// MD5RecordSize is the size of the trailing MD5 record when present.
const MD5RecordSize = 24

// MaxLen is the largest payload length a block may carry in Len.
const MaxLen = DataSize

// Flag bits. Remaining bits are reserved and must be zero on write.
const (
	FlagNotMainFlash uint32 = 1 << 0
	FlagFileContainer uint32 = 1 << 12
	FlagHasFamilyID   uint32 = 1 << 13
	FlagHasMD5        uint32 = 1 << 14
	FlagHasTags       uint32 = 1 << 15
)

const definedFlagsMask = FlagNotMainFlash | FlagFileContainer | FlagHasFamilyID | FlagHasMD5 | FlagHasTags

// ErrMagic is returned by Decode when any of the three magic words
// does not match.
var ErrMagic = errors.New("uf2: bad magic")

// Block is the decoded, structured view of a 512-byte wire block.
type Block struct {
	Flags               uint32
	Addr                uint32
	Len                 uint32
	BlockSeq            uint32
	BlockCount          uint32
	FileSizeOrFamilyID  uint32
	Data                [DataSize]byte
}

// NotMainFlash reports whether the block targets something other than
// the device's main flash region.
func (b *Block) NotMainFlash() bool { return b.Flags&FlagNotMainFlash != 0 }

// FileContainer reports whether this is a file-container block
// (explicitly out of scope for the engine; always ignored).
func (b *Block) FileContainer() bool { return b.Flags&FlagFileContainer != 0 }

// HasFamilyID reports whether FileSizeOrFamilyID carries a family ID.
func (b *Block) HasFamilyID() bool { return b.Flags&FlagHasFamilyID != 0 }

// HasMD5 reports whether the last 24 bytes of Data carry an MD5 record.
func (b *Block) HasMD5() bool { return b.Flags&FlagHasMD5 != 0 }

// HasTags reports whether the tag region between Len and the end of
// Data (minus any MD5 record) carries tag records.
func (b *Block) HasTags() bool { return b.Flags&FlagHasTags != 0 }

// TagRegionEnd returns the exclusive end offset of the tag region
// within Data, accounting for a trailing MD5 record if present.
func (b *Block) TagRegionEnd() uint32 {
	end := uint32(DataSize)
	if b.HasMD5() {
		end -= MD5RecordSize
	}
	return end
}

// Decode parses a 512-byte wire block. It validates only the three
// magic words; tag interpretation is the caller's responsibility via
// TagIterator.
func Decode(buf []byte) (Block, error) {
	if len(buf) != BlockSize {
		return Block{}, errors.New("uf2: block must be 512 bytes")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic1 ||
		binary.LittleEndian.Uint32(buf[4:8]) != Magic2 ||
		binary.LittleEndian.Uint32(buf[508:512]) != Magic3 {
		return Block{}, ErrMagic
	}

	var b Block
	b.Flags = binary.LittleEndian.Uint32(buf[8:12])
	b.Addr = binary.LittleEndian.Uint32(buf[12:16])
	b.Len = binary.LittleEndian.Uint32(buf[16:20])
	b.BlockSeq = binary.LittleEndian.Uint32(buf[20:24])
	b.BlockCount = binary.LittleEndian.Uint32(buf[24:28])
	b.FileSizeOrFamilyID = binary.LittleEndian.Uint32(buf[28:32])
	copy(b.Data[:], buf[32:32+DataSize])
	return b, nil
}

// Encode writes magics, the flag bitfield (reserved bits forced to
// zero), and the rest of the block into a fresh 512-byte buffer.
func Encode(b Block) [BlockSize]byte {
	var out [BlockSize]byte
	binary.LittleEndian.PutUint32(out[0:4], Magic1)
	binary.LittleEndian.PutUint32(out[4:8], Magic2)
	binary.LittleEndian.PutUint32(out[8:12], b.Flags&definedFlagsMask)
	binary.LittleEndian.PutUint32(out[12:16], b.Addr)
	binary.LittleEndian.PutUint32(out[16:20], b.Len)
	binary.LittleEndian.PutUint32(out[20:24], b.BlockSeq)
	binary.LittleEndian.PutUint32(out[24:28], b.BlockCount)
	binary.LittleEndian.PutUint32(out[28:32], b.FileSizeOrFamilyID)
	copy(out[32:32+DataSize], b.Data[:])
	binary.LittleEndian.PutUint32(out[508:512], Magic3)
	return out
}
