package fal

import (
	"os"

	"gopkg.in/yaml.v3"
)

// yamlTable is the on-disk shape for a human-authored partition table,
// consumed by uf2ctl pack.
type yamlTable struct {
	Partitions []yamlPartition `yaml:"partitions"`
}

type yamlPartition struct {
	Name       string `yaml:"name"`
	FlashDevice string `yaml:"flash_device"`
	Offset     uint32  `yaml:"offset"`
	Length     uint32  `yaml:"length"`
}

// LoadTableYAML reads a partition table from a YAML file shaped like:
//
//	partitions:
//	  - name: app
//	    flash_device: f0
//	    offset: 0x20000
//	    length: 0x40000
func LoadTableYAML(path string) ([]Partition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yamlTable
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	entries := make([]Partition, 0, len(doc.Partitions))
	for _, p := range doc.Partitions {
		entries = append(entries, Partition{
			Name:            p.Name,
			FlashDeviceName: p.FlashDevice,
			Offset:          p.Offset,
			Length:          p.Length,
		})
	}
	return entries, nil
}
