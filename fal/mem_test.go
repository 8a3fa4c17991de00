package fal

import "testing"

func TestMemDeviceEraseGranularity(t *testing.T) {
	d := NewMemDevice(8192)
	erased, err := d.Erase(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if erased != 4096 {
		t.Fatalf("got erased=%d, want 4096 (rounded to sector)", erased)
	}
	for i := 0; i < 4096; i++ {
		if d.Bytes[i] != 0xFF {
			t.Fatalf("byte %d not erased", i)
		}
	}
}

func TestMemDeviceWriteShort(t *testing.T) {
	d := NewMemDevice(16)
	if _, err := d.Write(10, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != ErrShortWrite {
		t.Fatalf("got %v, want ErrShortWrite", err)
	}
}

func TestMemDeviceWriteRecordsCall(t *testing.T) {
	d := NewMemDevice(16)
	n, err := d.Write(2, []byte{9, 9})
	if err != nil || n != 2 {
		t.Fatalf("got n=%d err=%v", n, err)
	}
	if len(d.WriteCalls) != 1 || d.WriteCalls[0].Offset != 2 {
		t.Fatalf("got %+v", d.WriteCalls)
	}
}

func TestMemRegistryFind(t *testing.T) {
	r := NewMemRegistry()
	dev := NewMemDevice(1024)
	r.Add("f0", dev)
	got, ok := r.Find("f0")
	if !ok || got.(*MemDevice) != dev {
		t.Fatalf("got %v, %v", got, ok)
	}
	if _, ok := r.Find("missing"); ok {
		t.Fatal("expected not found")
	}
}
