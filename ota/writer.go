package ota

import (
	"encoding/binary"
	"time"

	"openenterprise/otaforge/binpatch"
	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/scheme"
	"openenterprise/otaforge/uf2"
)

// CheckBlock validates block framing ahead of routing: a bad magic is
// expected to have already been rejected by uf2.Decode before the
// caller reaches here. CheckBlock handles the remaining framing
// checks: file-container blocks are silently skipped, and a block
// missing the family-ID flag or carrying the wrong family ID is
// rejected.
func (c *Context) CheckBlock(b *uf2.Block) Result {
	if b.FileContainer() {
		return ResultIgnore
	}
	if !b.HasFamilyID() || b.FileSizeOrFamilyID != c.familyID {
		return ResultFamily
	}
	return ResultOK
}

// ParseHeader processes the stream's first block (ctx.seq == 0 on
// entry). It requires has_tags set, file_container clear, and len ==
// 0; otherwise NotHeader. It parses tags into info (OTA_PART_LIST,
// OTA_PART_INFO, FAL_PTABLE, and the descriptive FIRMWARE/VERSION/
// BOARD/LT_VERSION tags), requires OTA_FORMAT_2 to be present, and
// advances ctx.seq.
func (c *Context) ParseHeader(b *uf2.Block, info *Info) Result {
	if b.BlockSeq != c.seq {
		return ResultSeqMismatch
	}
	c.seq++
	c.binpatch = nil

	if !b.HasTags() || b.FileContainer() || b.Len != 0 {
		return ResultNotHeader
	}

	sawFormat2 := false
	if r := c.parseTags(b, info, &sawFormat2); r != ResultOK {
		return r
	}
	if !sawFormat2 {
		return ResultOtaVer
	}
	c.isFormatOK = true
	return ResultOK
}

// Write processes a data block: sequence check, tag parsing, routing
// through the device's OTA scheme, optional binpatch, erase
// coalescing, and the flash write itself.
func (c *Context) Write(b *uf2.Block) Result {
	if b.BlockSeq != c.seq {
		return ResultSeqMismatch
	}
	c.seq++
	c.binpatch = nil

	if r := c.parseTags(b, nil, nil); r != ResultOK {
		return r
	}

	if b.Len == 0 || b.NotMainFlash() {
		return ResultIgnore
	}
	if !c.isPartSet {
		return ResultPartUnset
	}
	if c.part == nil {
		return ResultIgnore
	}

	data := b.Data[:b.Len]
	_, _, requiresBinpatch := c.scheme.Decompose()
	if requiresBinpatch && len(c.binpatch) > 0 {
		if err := binpatch.Apply(b.Data[:], c.binpatch); err != nil {
			return ResultWriteFailed
		}
		c.binpatch = nil
	}

	if b.Addr+b.Len > c.part.Length {
		return ResultWriteFailed
	}
	offset := c.part.Offset + b.Addr

	if !c.haveErased || !regionContains(c.erasedOffset, c.erasedLength, offset, b.Len) {
		erased, err := c.flash.Erase(offset, b.Len)
		if err != nil {
			return ResultEraseFailed
		}
		c.erasedOffset = offset
		c.erasedLength = erased
		c.haveErased = true
	}

	n, err := c.flash.Write(offset, data)
	if err != nil {
		return ResultWriteFailed
	}
	if n < len(data) {
		return ResultWriteLength
	}
	c.written += uint64(n)
	return ResultOK
}

// regionContains reports whether [offset, offset+length) is fully
// contained within [base, base+baseLen).
func regionContains(base, baseLen, offset, length uint32) bool {
	return offset >= base && offset+length <= base+baseLen
}

// parseTags walks b's tag region, applying side effects to c (and to
// info/sawFormat2 when non-nil, which only the header path supplies).
// It returns the first fatal Result encountered, or ResultOK.
func (c *Context) parseTags(b *uf2.Block, info *Info, sawFormat2 *bool) Result {
	it := uf2.NewTagIterator(b)
	for {
		tag, ok := it.Next()
		if !ok {
			break
		}
		switch tag.Type {
		case uf2.TagOTAFormat2:
			if sawFormat2 != nil {
				*sawFormat2 = true
			}
		case uf2.TagOTAPartList:
			if err := scheme.CheckPartList(c.scheme, tag.Payload); err != nil {
				return ResultOtaWrong
			}
		case uf2.TagOTAPartInfo:
			if r := c.applyPartInfo(tag.Payload); r != ResultOK {
				return r
			}
		case uf2.TagFALPTable:
			entries, err := fal.DecodePTable(tag.Payload)
			if err != nil {
				return ResultPartInvalid
			}
			c.table.Release()
			c.table = fal.Own(entries)
		case uf2.TagBinpatch:
			payload := make([]byte, len(tag.Payload))
			copy(payload, tag.Payload)
			c.binpatch = payload
		case uf2.TagFirmware:
			if info != nil {
				info.FirmwareName = string(tag.Payload)
			}
		case uf2.TagVersion:
			if info != nil {
				info.FirmwareVersion = string(tag.Payload)
			}
		case uf2.TagLTVersion:
			if info != nil {
				info.LTVersion = string(tag.Payload)
			}
		case uf2.TagBoard:
			if info != nil {
				info.BoardCode = string(tag.Payload)
			}
		case uf2.TagBuildDate:
			if info != nil && len(tag.Payload) == 4 {
				info.BuildDate = time.Unix(int64(binary.LittleEndian.Uint32(tag.Payload)), 0)
			}
		}
	}
	return ResultOK
}

// applyPartInfo implements the OTA_PART_INFO half of the Scheme
// Resolver (§4.4): resolving the index nibble to a partition name (or
// clearing the current partition for index 0), then to a fal.Partition
// and flash device.
func (c *Context) applyPartInfo(payload []byte) Result {
	c.resetErasedRegion()

	res, err := scheme.ResolvePartInfo(c.scheme, payload)
	if err != nil {
		return ResultPartInvalid
	}
	c.isPartSet = true

	if res.Index == 0 {
		c.clearPartition()
		return ResultOK
	}

	part, ok := c.table.Find(res.Name)
	if !ok {
		return ResultPart404
	}
	dev, ok := c.registry.Find(part.FlashDeviceName)
	if !ok {
		return ResultPart404
	}

	partCopy := part
	c.part = &partCopy
	c.flash = dev
	return ResultOK
}
