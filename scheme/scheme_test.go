package scheme

import "testing"

func TestDecompose(t *testing.T) {
	cases := []struct {
		s                Scheme
		byteIndex        int
		shift            uint
		requiresBinpatch bool
	}{
		{DeviceSingle, 0, 4, false},
		{DeviceDual1, 0, 0, false},
		{DeviceDual2, 1, 4, true},
		{FlasherSingle, 1, 0, false},
		{FlasherDual1, 2, 4, false},
		{FlasherDual2, 2, 0, true},
	}
	for _, c := range cases {
		byteIndex, shift, requiresBinpatch := c.s.Decompose()
		if byteIndex != c.byteIndex || shift != c.shift || requiresBinpatch != c.requiresBinpatch {
			t.Errorf("%s: got (%d,%d,%v), want (%d,%d,%v)",
				c.s, byteIndex, shift, requiresBinpatch, c.byteIndex, c.shift, c.requiresBinpatch)
		}
	}
}

func TestCheckPartListShort(t *testing.T) {
	if err := CheckPartList(DeviceSingle, []byte{0x11, 0x00}); err != ErrShortPayload {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
}

func TestCheckPartListNoData(t *testing.T) {
	// DeviceDual2 decomposes to (byteIndex=1, shift=4); zero nibble there.
	if err := CheckPartList(DeviceDual2, []byte{0x11, 0x00, 0x00}); err != ErrNoData {
		t.Fatalf("got %v, want ErrNoData", err)
	}
}

func TestCheckPartListAccept(t *testing.T) {
	// DeviceSingle decomposes to (byteIndex=0, shift=4); nonzero high nibble of byte 0.
	if err := CheckPartList(DeviceSingle, []byte{0x11, 0x00, 0x00}); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
}

func TestResolvePartInfoZeroIndex(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x00, 'a', 'p', 'p', 0}
	// DeviceSingle reads the high nibble of byte 0: zero here.
	got, err := ResolvePartInfo(DeviceSingle, payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != 0 || got.Name != "" {
		t.Fatalf("got %+v, want zero index/name", got)
	}
}

func TestResolvePartInfoFirstName(t *testing.T) {
	payload := []byte{0x11, 0x00, 0x00, 'a', 'p', 'p', 0}
	got, err := ResolvePartInfo(DeviceSingle, payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != 1 || got.Name != "app" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolvePartInfoSixthName(t *testing.T) {
	names := []byte("a\x00b\x00c\x00d\x00e\x00f\x00")
	payload := append([]byte{0x61, 0x00, 0x00}, names...)
	got, err := ResolvePartInfo(DeviceSingle, payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != 6 || got.Name != "f" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolvePartInfoSixthNameMissing(t *testing.T) {
	names := []byte("a\x00b\x00c\x00d\x00e\x00") // only five names
	payload := append([]byte{0x61, 0x00, 0x00}, names...)
	if _, err := ResolvePartInfo(DeviceSingle, payload); err != ErrNameNotFound {
		t.Fatalf("got %v, want ErrNameNotFound", err)
	}
}

func TestResolvePartInfoShortPayload(t *testing.T) {
	if _, err := ResolvePartInfo(DeviceSingle, []byte{0x11}); err != ErrShortPayload {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
}

func TestEmitRoutingRoundTrip(t *testing.T) {
	assignment := map[Scheme]uint8{DeviceSingle: 1}
	partList, partInfo := EmitRouting(assignment, []string{"app"})
	if err := CheckPartList(DeviceSingle, partList); err != nil {
		t.Fatalf("CheckPartList: %v", err)
	}
	got, err := ResolvePartInfo(DeviceSingle, partInfo)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "app" {
		t.Fatalf("got %+v", got)
	}
}
