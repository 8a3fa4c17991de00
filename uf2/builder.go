package uf2

import (
	"encoding/binary"
	"errors"
	"time"
)

// payloadChunkSize is the per-block firmware payload size used by the
// packaging path, matching the convention exercised throughout the
// teacher's host-side test fixtures (256 bytes of data per 512-byte
// block, well under the 476-byte data area).
const payloadChunkSize = 256

// ErrEmptyImage is returned by Builder.Build when the firmware image
// is empty.
var ErrEmptyImage = errors.New("uf2: firmware image is empty")

// HeaderTags supplies the descriptive metadata tags written into the
// header block alongside the routing tags.
type HeaderTags struct {
	Firmware  string
	Version   string
	Board     string
	LTVersion string

	// BuildDate is encoded as a 32-bit Unix timestamp (seconds), per
	// spec's BUILD_DATE tag. Zero value omits the tag.
	BuildDate time.Time
}

// Builder assembles a UF2-variant stream: a header block carrying
// OTA_FORMAT_2, the scheme routing tags, optional FAL_PTABLE override
// bytes, and descriptive metadata, followed by fixed-size data blocks
// built from a firmware image. Builder output round-trips through
// ota.Context unchanged: the same magic/flag/tag encoding the engine
// decodes.
type Builder struct {
	FamilyID     uint32
	PartList     []byte
	PartInfo     []byte
	PTable       []byte // optional FAL_PTABLE payload; omitted if empty
	Binpatch     []byte // optional BINPATCH payload applied to data block 0
	HeaderTags   HeaderTags
}

// Build serializes image into a sequence of 512-byte blocks.
func (b *Builder) Build(image []byte) ([]byte, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	numChunks := (len(image) + payloadChunkSize - 1) / payloadChunkSize
	blockCount := uint32(numChunks + 1)

	out := make([]byte, 0, int(blockCount)*BlockSize)

	header := Block{
		Flags:              FlagHasFamilyID | FlagHasTags,
		Len:                0,
		BlockSeq:           0,
		BlockCount:         blockCount,
		FileSizeOrFamilyID: b.FamilyID,
	}
	w := NewTagWriter(&header)
	if err := w.Emit(TagOTAFormat2, nil); err != nil {
		return nil, err
	}
	if len(b.PartList) > 0 {
		if err := w.Emit(TagOTAPartList, b.PartList); err != nil {
			return nil, err
		}
	}
	if len(b.PartInfo) > 0 {
		if err := w.Emit(TagOTAPartInfo, b.PartInfo); err != nil {
			return nil, err
		}
	}
	if len(b.PTable) > 0 {
		if err := w.Emit(TagFALPTable, b.PTable); err != nil {
			return nil, err
		}
	}
	if b.HeaderTags.Firmware != "" {
		if err := w.Emit(TagFirmware, []byte(b.HeaderTags.Firmware)); err != nil {
			return nil, err
		}
	}
	if b.HeaderTags.Version != "" {
		if err := w.Emit(TagVersion, []byte(b.HeaderTags.Version)); err != nil {
			return nil, err
		}
	}
	if b.HeaderTags.Board != "" {
		if err := w.Emit(TagBoard, []byte(b.HeaderTags.Board)); err != nil {
			return nil, err
		}
	}
	if b.HeaderTags.LTVersion != "" {
		if err := w.Emit(TagLTVersion, []byte(b.HeaderTags.LTVersion)); err != nil {
			return nil, err
		}
	}
	if !b.HeaderTags.BuildDate.IsZero() {
		var payload [4]byte
		binary.LittleEndian.PutUint32(payload[:], uint32(b.HeaderTags.BuildDate.Unix()))
		if err := w.Emit(TagBuildDate, payload[:]); err != nil {
			return nil, err
		}
	}
	headerBytes := Encode(header)
	out = append(out, headerBytes[:]...)

	for i := 0; i < numChunks; i++ {
		start := i * payloadChunkSize
		end := start + payloadChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[start:end]

		blk := Block{
			Flags:              FlagHasFamilyID,
			Addr:               uint32(start),
			Len:                uint32(len(chunk)),
			BlockSeq:           uint32(i + 1),
			BlockCount:         blockCount,
			FileSizeOrFamilyID: b.FamilyID,
		}
		copy(blk.Data[:], chunk)

		if i == 0 && len(b.Binpatch) > 0 {
			blk.Flags |= FlagHasTags
			tw := NewTagWriter(&blk)
			if err := tw.Emit(TagBinpatch, b.Binpatch); err != nil {
				return nil, err
			}
		}

		encoded := Encode(blk)
		out = append(out, encoded[:]...)
	}

	return out, nil
}
