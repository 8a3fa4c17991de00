package ota

import (
	"bytes"
	"testing"

	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/scheme"
	"openenterprise/otaforge/uf2"
)

const testFamilyID = 0xADA52840

func headerBlock(t *testing.T, emit func(w *uf2.TagWriter)) uf2.Block {
	t.Helper()
	b := uf2.Block{
		Flags:              uf2.FlagHasFamilyID | uf2.FlagHasTags,
		Len:                0,
		BlockSeq:           0,
		BlockCount:         2,
		FileSizeOrFamilyID: testFamilyID,
	}
	w := uf2.NewTagWriter(&b)
	emit(w)
	return b
}

func dataBlock(seq, addr uint32, data []byte, emit func(w *uf2.TagWriter)) uf2.Block {
	b := uf2.Block{
		Flags:              uf2.FlagHasFamilyID,
		Addr:               addr,
		Len:                uint32(len(data)),
		BlockSeq:           seq,
		BlockCount:         2,
		FileSizeOrFamilyID: testFamilyID,
	}
	copy(b.Data[:], data)
	if emit != nil {
		b.Flags |= uf2.FlagHasTags
		w := uf2.NewTagWriter(&b)
		emit(w)
	}
	return b
}

func mustEmit(t *testing.T, w *uf2.TagWriter, typ uf2.TagType, payload []byte) {
	t.Helper()
	if err := w.Emit(typ, payload); err != nil {
		t.Fatalf("emit %v: %v", typ, err)
	}
}

func appPartitionTable() ([]fal.Partition, *fal.MemRegistry, *fal.MemDevice) {
	dev := fal.NewMemDevice(1 << 20)
	reg := fal.NewMemRegistry()
	reg.Add("f0", dev)
	entries := []fal.Partition{
		{Name: "app", FlashDeviceName: "f0", Offset: 0x10000, Length: 0x10000},
	}
	return entries, reg, dev
}

func TestHappyPathSingleScheme(t *testing.T) {
	entries, reg, dev := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()
	info := NewInfo()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0})
		mustEmit(t, w, uf2.TagFirmware, []byte("demo"))
		mustEmit(t, w, uf2.TagVersion, []byte("1.0.0"))
	})

	if r := ctx.CheckBlock(&hdr); r != ResultOK {
		t.Fatalf("CheckBlock: %v", r)
	}
	if r := ctx.ParseHeader(&hdr, info); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}
	if info.FirmwareName != "demo" || info.FirmwareVersion != "1.0.0" {
		t.Fatalf("info = %+v", info)
	}
	if ctx.seq != 1 {
		t.Fatalf("seq after header = %d, want 1", ctx.seq)
	}

	payload := bytes.Repeat([]byte{0xAA}, 256)
	data := dataBlock(1, 0, payload, nil)
	if r := ctx.CheckBlock(&data); r != ResultOK {
		t.Fatalf("CheckBlock(data): %v", r)
	}
	if r := ctx.Write(&data); r != ResultOK {
		t.Fatalf("Write(data): %v", r)
	}
	if ctx.seq != 2 {
		t.Fatalf("seq after data = %d, want 2", ctx.seq)
	}
	if ctx.Written() != 256 {
		t.Fatalf("written = %d, want 256", ctx.Written())
	}
	if len(dev.EraseCalls) != 1 || dev.EraseCalls[0].Offset != 0x10000 {
		t.Fatalf("erase calls = %+v", dev.EraseCalls)
	}
	if len(dev.WriteCalls) != 1 || dev.WriteCalls[0].Offset != 0x10000 {
		t.Fatalf("write calls = %+v", dev.WriteCalls)
	}
}

func TestSchemeSkip(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceDual2, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x10, 0x00, 0x00})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOtaWrong {
		t.Fatalf("ParseHeader = %v, want ResultOtaWrong", r)
	}
}

func TestBinpatchApplied(t *testing.T) {
	entries, reg, dev := appPartitionTable()
	ctx := NewContext(scheme.DeviceDual2, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x00, 0x11, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x00, 0x11, 0x00, 'a', 'p', 'p', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}

	payload := make([]byte, 8)
	patch := []byte{0xFE, 0x01, 0x04, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	data := dataBlock(1, 0, payload, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagBinpatch, patch)
	})
	if r := ctx.Write(&data); r != ResultOK {
		t.Fatalf("Write: %v", r)
	}
	got := dev.WriteCalls[0].Data[4:8]
	want := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	if !bytes.Equal(got, want) {
		t.Fatalf("patched bytes = %x, want %x", got, want)
	}

	if ctx.binpatch != nil {
		t.Fatal("binpatch not cleared after use")
	}
}

func TestSequenceMismatch(t *testing.T) {
	entries, reg, dev := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}

	data := dataBlock(2, 0, []byte{1, 2, 3}, nil)
	if r := ctx.Write(&data); r != ResultSeqMismatch {
		t.Fatalf("Write = %v, want ResultSeqMismatch", r)
	}
	if len(dev.EraseCalls) != 0 || len(dev.WriteCalls) != 0 {
		t.Fatal("sequence mismatch must not touch flash")
	}
}

func TestEraseCoalescing(t *testing.T) {
	entries, reg, dev := appPartitionTable()
	dev.EraseGranularity = 4096
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}

	b1 := dataBlock(1, 0, bytes.Repeat([]byte{1}, 256), nil)
	if r := ctx.Write(&b1); r != ResultOK {
		t.Fatalf("Write(b1): %v", r)
	}
	b2 := dataBlock(2, 256, bytes.Repeat([]byte{2}, 256), nil)
	if r := ctx.Write(&b2); r != ResultOK {
		t.Fatalf("Write(b2): %v", r)
	}

	if len(dev.EraseCalls) != 1 {
		t.Fatalf("erase calls = %d, want 1", len(dev.EraseCalls))
	}
	if len(dev.WriteCalls) != 2 {
		t.Fatalf("write calls = %d, want 2", len(dev.WriteCalls))
	}
}

func TestPartitionOverrideViaFALPTable(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	otaDev := fal.NewMemDevice(1 << 20)
	reg.Add("f0ota", otaDev)

	overrides := []fal.Partition{
		{Name: "app", FlashDeviceName: "f0", Offset: 0x20000, Length: 0x40000},
		{Name: "ota", FlashDeviceName: "f0ota", Offset: 0x60000, Length: 0x40000},
	}
	ptablePayload, err := fal.EncodePTable(overrides)
	if err != nil {
		t.Fatal(err)
	}

	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagFALPTable, ptablePayload)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x11, 0x00, 0x00, 'o', 't', 'a', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}
	if ctx.part == nil || ctx.part.Offset != 0x60000 {
		t.Fatalf("part = %+v, want the overridden 'ota' entry", ctx.part)
	}
	if !ctx.table.Owned() {
		t.Fatal("table should be owned after FAL_PTABLE override")
	}

	ctx.Close()
	if ctx.table.Owned() {
		t.Fatal("Close must release an owned table")
	}
}

func TestPartIndexZeroSuppressesFlash(t *testing.T) {
	entries, reg, dev := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x01, 0x00, 0x00, 'a', 'p', 'p', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}
	if ctx.part != nil {
		t.Fatal("index 0 for this scheme must clear part")
	}

	data := dataBlock(1, 0, []byte{1, 2, 3}, nil)
	if r := ctx.Write(&data); r != ResultIgnore {
		t.Fatalf("Write = %v, want ResultIgnore", r)
	}
	if len(dev.EraseCalls) != 0 || len(dev.WriteCalls) != 0 {
		t.Fatal("no partition for this scheme must not touch flash")
	}
}

func TestMissingOTAFormat2(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOtaVer {
		t.Fatalf("ParseHeader = %v, want ResultOtaVer", r)
	}
}

func TestNotHeaderWhenLenNonzero(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	bad := dataBlock(0, 0, []byte{1, 2, 3}, nil)
	bad.Flags |= uf2.FlagHasTags
	if r := ctx.ParseHeader(&bad, NewInfo()); r != ResultNotHeader {
		t.Fatalf("ParseHeader = %v, want ResultNotHeader", r)
	}
}

func TestWriteBoundsCheck(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	hdr := headerBlock(t, func(w *uf2.TagWriter) {
		mustEmit(t, w, uf2.TagOTAFormat2, nil)
		mustEmit(t, w, uf2.TagOTAPartList, []byte{0x11, 0x00, 0x00})
		mustEmit(t, w, uf2.TagOTAPartInfo, []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0})
	})
	if r := ctx.ParseHeader(&hdr, NewInfo()); r != ResultOK {
		t.Fatalf("ParseHeader: %v", r)
	}

	data := dataBlock(1, entries[0].Length-4, bytes.Repeat([]byte{1}, 256), nil)
	if r := ctx.Write(&data); r != ResultWriteFailed {
		t.Fatalf("Write = %v, want ResultWriteFailed", r)
	}
}

func TestFileContainerIgnored(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	b := uf2.Block{Flags: uf2.FlagFileContainer}
	if r := ctx.CheckBlock(&b); r != ResultIgnore {
		t.Fatalf("CheckBlock = %v, want ResultIgnore", r)
	}
}

func TestFamilyMismatch(t *testing.T) {
	entries, reg, _ := appPartitionTable()
	ctx := NewContext(scheme.DeviceSingle, testFamilyID, fal.Borrow(entries), reg)
	defer ctx.Close()

	b := uf2.Block{Flags: uf2.FlagHasFamilyID, FileSizeOrFamilyID: testFamilyID + 1}
	if r := ctx.CheckBlock(&b); r != ResultFamily {
		t.Fatalf("CheckBlock = %v, want ResultFamily", r)
	}
}
