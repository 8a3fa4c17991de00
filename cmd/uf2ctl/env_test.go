package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	envPath := filepath.Join(dir, ".env")
	contents := "# comment\nOTAFORGE_PASSWORD=hunter2\nQUOTED=\"with spaces\"\nSINGLE='abc'\n\nBLANK\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("OTAFORGE_PASSWORD")
	os.Unsetenv("QUOTED")
	os.Unsetenv("SINGLE")
	loadEnvFile()

	if got := os.Getenv("OTAFORGE_PASSWORD"); got != "hunter2" {
		t.Errorf("OTAFORGE_PASSWORD = %q, want %q", got, "hunter2")
	}
	if got := os.Getenv("QUOTED"); got != "with spaces" {
		t.Errorf("QUOTED = %q, want %q", got, "with spaces")
	}
	if got := os.Getenv("SINGLE"); got != "abc" {
		t.Errorf("SINGLE = %q, want %q", got, "abc")
	}
}

func TestLoadEnvFile_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OTAFORGE_PASSWORD=fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	os.Setenv("OTAFORGE_PASSWORD", "already-set")
	defer os.Unsetenv("OTAFORGE_PASSWORD")
	loadEnvFile()

	if got := os.Getenv("OTAFORGE_PASSWORD"); got != "already-set" {
		t.Errorf("OTAFORGE_PASSWORD = %q, want existing value preserved", got)
	}
}

func TestResolvePassword_FlagWins(t *testing.T) {
	os.Setenv("OTAFORGE_PASSWORD", "envpass")
	defer os.Unsetenv("OTAFORGE_PASSWORD")

	if got := resolvePassword("flagpass"); got != "flagpass" {
		t.Errorf("resolvePassword = %q, want %q", got, "flagpass")
	}
}

func TestResolvePassword_FallsBackToEnv(t *testing.T) {
	os.Setenv("OTAFORGE_PASSWORD", "envpass")
	defer os.Unsetenv("OTAFORGE_PASSWORD")

	if got := resolvePassword(""); got != "envpass" {
		t.Errorf("resolvePassword = %q, want %q", got, "envpass")
	}
}

func TestStripTelnetIAC(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"no-iac", []byte("hello"), []byte("hello")},
		{"will-negotiation", []byte{0xFF, 0xFB, 0x01, 'h', 'i'}, []byte("hi")},
		{"do-negotiation", []byte{'a', 0xFF, 0xFD, 0x03, 'b'}, []byte("ab")},
		{"bare-iac-at-end", []byte{'x', 0xFF}, []byte{'x', 0xFF}},
	}
	for _, c := range cases {
		got := stripTelnetIAC(c.in)
		if string(got) != string(c.want) {
			t.Errorf("%s: stripTelnetIAC(%v) = %q, want %q", c.name, c.in, got, c.want)
		}
	}
}
