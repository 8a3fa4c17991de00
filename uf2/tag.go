package uf2

import "errors"

// TagType identifies a tag record. Only the low 24 bits are
// meaningful on the wire (3-byte little-endian type field).
type TagType uint32

// Defined tag types. Hex values are part of the wire format.
const (
	TagVersion    TagType = 0x9FC7BC
	TagPageSize   TagType = 0x0BE9F7
	TagSHA2       TagType = 0xB46DB0
	TagDevice     TagType = 0x650D9D
	TagDeviceID   TagType = 0xC8A729
	TagOTAFormat1 TagType = 0x5D57D0
	TagOTAFormat2 TagType = 0x6C8492
	TagOTAPartList TagType = 0x6EC68A
	TagOTAPartInfo TagType = 0xC0EE0C
	TagBoard      TagType = 0xCA25C8
	TagFirmware   TagType = 0x00DE43
	TagBuildDate  TagType = 0x822F30
	TagBinpatch   TagType = 0xB948DE
	TagFALPTable  TagType = 0x8288ED
	TagLTVersion  TagType = 0x59563D
)

// MaxTagPayload is the largest payload a single tag may carry: the
// total length field is one byte and includes the 4-byte header.
const MaxTagPayload = 251

// ErrTagPayloadTooLong is returned by Emit when payload exceeds MaxTagPayload.
var ErrTagPayloadTooLong = errors.New("uf2: tag payload too long")

// ErrDataTooLong is returned by Emit when the tag region has no room left.
var ErrDataTooLong = errors.New("uf2: no room for tag in block")

// Tag is one decoded (type, payload) record. Payload aliases the
// block's Data array and must not be retained past the block's
// lifetime; copy it out if needed beyond the current iteration step.
type Tag struct {
	Type    TagType
	Payload []byte
}

// TagIterator walks the tag region of a block from Len to
// TagRegionEnd(), yielding records until a zero length/type or
// malformed record is reached.
type TagIterator struct {
	region []byte
	pos    int
	done   bool
}

// NewTagIterator starts iteration over b's tag region.
func NewTagIterator(b *Block) TagIterator {
	start := b.Len
	end := b.TagRegionEnd()
	if start > end {
		start = end
	}
	return TagIterator{region: b.Data[start:end]}
}

// Next returns the next tag, or ok=false when iteration is finished.
func (it *TagIterator) Next() (tag Tag, ok bool) {
	if it.done || it.pos+4 > len(it.region) {
		return Tag{}, false
	}
	rec := it.region[it.pos:]
	length := rec[0]
	typ := uint32(rec[1]) | uint32(rec[2])<<8 | uint32(rec[3])<<16
	if length == 0 || typ == 0 {
		it.done = true
		return Tag{}, false
	}
	if length < 4 || int(length) > len(rec) {
		it.done = true
		return Tag{}, false
	}

	payload := rec[4:length]
	adv := int(length)
	if rem := adv % 4; rem != 0 {
		adv += 4 - rem
	}
	it.pos += adv
	return Tag{Type: TagType(typ), Payload: payload}, true
}

// TagWriter appends tag records into a block's tag region, starting
// just after its Len and padding each to a 4-byte boundary.
type TagWriter struct {
	block *Block
	pos   int
	limit int
}

// NewTagWriter prepares b for tag emission. b.Len and b.Flags
// (specifically HasMD5) must already be set.
func NewTagWriter(b *Block) *TagWriter {
	return &TagWriter{block: b, pos: int(b.Len), limit: int(b.TagRegionEnd())}
}

// Emit appends one tag, padded to 4 bytes, failing with
// ErrTagPayloadTooLong or ErrDataTooLong rather than overflowing the block.
func (w *TagWriter) Emit(typ TagType, payload []byte) error {
	if len(payload) > MaxTagPayload {
		return ErrTagPayloadTooLong
	}
	total := 4 + len(payload)
	padded := total
	if rem := padded % 4; rem != 0 {
		padded += 4 - rem
	}
	if w.pos+padded > w.limit {
		return ErrDataTooLong
	}

	data := w.block.Data[:]
	data[w.pos] = byte(total)
	data[w.pos+1] = byte(typ)
	data[w.pos+2] = byte(typ >> 8)
	data[w.pos+3] = byte(typ >> 16)
	copy(data[w.pos+4:], payload)
	for i := w.pos + 4 + len(payload); i < w.pos+padded; i++ {
		data[i] = 0
	}
	w.pos += padded
	return nil
}

// End returns the offset just past the last emitted tag, for callers
// that want to know how much of the tag region is used.
func (w *TagWriter) End() int { return w.pos }
