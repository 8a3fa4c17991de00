package uf2

import (
	"bytes"
	"testing"
)

func TestBuilderChunksAndHeader(t *testing.T) {
	b := &Builder{
		FamilyID: 0x1234,
		PartList: []byte{0x11, 0x00, 0x00},
		PartInfo: []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0},
		HeaderTags: HeaderTags{
			Firmware: "demo",
			Version:  "1.0.0",
		},
	}
	image := bytes.Repeat([]byte{0xAA}, 300) // 2 chunks: 256 + 44

	stream, err := b.Build(image)
	if err != nil {
		t.Fatal(err)
	}
	if len(stream)%BlockSize != 0 {
		t.Fatalf("stream length %d not a multiple of block size", len(stream))
	}
	numBlocks := len(stream) / BlockSize
	if numBlocks != 3 {
		t.Fatalf("got %d blocks, want 3 (1 header + 2 data)", numBlocks)
	}

	header, err := Decode(stream[:BlockSize])
	if err != nil {
		t.Fatal(err)
	}
	if header.Len != 0 || !header.HasTags() || header.BlockSeq != 0 {
		t.Fatalf("header block malformed: %+v", header)
	}

	var sawFormat2 bool
	it := NewTagIterator(&header)
	for {
		tag, ok := it.Next()
		if !ok {
			break
		}
		if tag.Type == TagOTAFormat2 {
			sawFormat2 = true
		}
	}
	if !sawFormat2 {
		t.Fatal("header missing OTA_FORMAT_2")
	}

	first, err := Decode(stream[BlockSize : 2*BlockSize])
	if err != nil {
		t.Fatal(err)
	}
	if first.BlockSeq != 1 || first.Addr != 0 || first.Len != 256 {
		t.Fatalf("first data block malformed: %+v", first)
	}

	second, err := Decode(stream[2*BlockSize:])
	if err != nil {
		t.Fatal(err)
	}
	if second.BlockSeq != 2 || second.Addr != 256 || second.Len != 44 {
		t.Fatalf("second data block malformed: %+v", second)
	}
}

func TestBuilderEmptyImage(t *testing.T) {
	b := &Builder{FamilyID: 1}
	if _, err := b.Build(nil); err != ErrEmptyImage {
		t.Fatalf("got %v, want ErrEmptyImage", err)
	}
}

func TestBuilderBinpatchOnFirstDataBlock(t *testing.T) {
	b := &Builder{
		FamilyID: 1,
		Binpatch: []byte{0xFE, 0x01, 0x00, 0x00, 0xEF, 0xBE, 0xAD, 0xDE},
	}
	image := make([]byte, 16)
	stream, err := b.Build(image)
	if err != nil {
		t.Fatal(err)
	}
	first, err := Decode(stream[BlockSize : 2*BlockSize])
	if err != nil {
		t.Fatal(err)
	}
	if !first.HasTags() {
		t.Fatal("first data block should carry BINPATCH tag")
	}
	it := NewTagIterator(&first)
	tag, ok := it.Next()
	if !ok || tag.Type != TagBinpatch {
		t.Fatalf("got tag %+v, ok=%v", tag, ok)
	}
}
