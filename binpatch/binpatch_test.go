package binpatch

import "testing"

func TestApplyDiff32(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{OpDiff32, 1, 0x04, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	if err := Apply(data, patch); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	if string(data[4:8]) != string(want) {
		t.Fatalf("got % x, want % x", data[4:8], want)
	}
}

func TestApplyDiff32MultipleRecords(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{
		OpDiff32, 2,
		0x00, 0x00, 0x01, 0x02, 0x03, 0x04,
		0x08, 0x00, 0xAA, 0xBB, 0xCC, 0xDD,
	}
	if err := Apply(data, patch); err != nil {
		t.Fatal(err)
	}
	if string(data[0:4]) != string([]byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("first word: got % x", data[0:4])
	}
	if string(data[8:12]) != string([]byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("second word: got % x", data[8:12])
	}
}

func TestApplyBoundaryOffset472Valid(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{OpDiff32, 1, 472 & 0xFF, (472 >> 8) & 0xFF, 1, 2, 3, 4}
	if err := Apply(data, patch); err != nil {
		t.Fatalf("offset 472 should be valid: %v", err)
	}
}

func TestApplyBoundaryOffset473Invalid(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{OpDiff32, 1, 473 & 0xFF, (473 >> 8) & 0xFF, 1, 2, 3, 4}
	if err := Apply(data, patch); err != ErrWriteFailed {
		t.Fatalf("got %v, want ErrWriteFailed", err)
	}
}

func TestApplyRejectsUnknownOpcode(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{0x01, 0}
	if err := Apply(data, patch); err != ErrUnknownOpcode {
		t.Fatalf("got %v, want ErrUnknownOpcode", err)
	}
}

func TestApplyEmptyPatchIsNoop(t *testing.T) {
	data := make([]byte, 476)
	if err := Apply(data, nil); err != nil {
		t.Fatal(err)
	}
}

func TestApplyTruncatedRecord(t *testing.T) {
	data := make([]byte, 476)
	patch := []byte{OpDiff32, 2, 0, 0, 1, 2, 3, 4} // claims 2 records, has 1
	if err := Apply(data, patch); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}
