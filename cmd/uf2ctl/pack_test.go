package main

import (
	"testing"

	"openenterprise/otaforge/scheme"
)

func TestParseScheme(t *testing.T) {
	cases := []struct {
		name string
		want scheme.Scheme
	}{
		{"device-single", scheme.DeviceSingle},
		{"device-dual-1", scheme.DeviceDual1},
		{"device-dual-2", scheme.DeviceDual2},
		{"flasher-single", scheme.FlasherSingle},
		{"flasher-dual-1", scheme.FlasherDual1},
		{"flasher-dual-2", scheme.FlasherDual2},
	}
	for _, c := range cases {
		got, err := parseScheme(c.name)
		if err != nil {
			t.Errorf("parseScheme(%q): %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("parseScheme(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseScheme_Unknown(t *testing.T) {
	if _, err := parseScheme("bogus"); err == nil {
		t.Error("expected error for unknown scheme name")
	}
}
