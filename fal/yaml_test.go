package fal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTableYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptable.yaml")
	doc := `
partitions:
  - name: app
    flash_device: f0
    offset: 131072
    length: 262144
  - name: ota
    flash_device: f0
    offset: 393216
    length: 262144
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadTableYAML(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "app" || entries[0].Offset != 131072 || entries[0].Length != 262144 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].FlashDeviceName != "f0" {
		t.Errorf("unexpected flash device name: %+v", entries[1])
	}
}

func TestLoadTableYAMLMissingFile(t *testing.T) {
	if _, err := LoadTableYAML("/nonexistent/ptable.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
