package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/ota"
	"openenterprise/otaforge/uf2"
)

func newApplyCommand() *cobra.Command {
	var (
		tablePath  string
		familyID   uint32
		schemeName string
	)

	cmd := &cobra.Command{
		Use:   "apply <firmware.uf2>",
		Short: "Dry-run an OTA stream against an in-memory flash model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := parseScheme(schemeName)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			if len(raw)%uf2.BlockSize != 0 {
				return fmt.Errorf("%s: not a multiple of the block size", args[0])
			}

			entries, err := fal.LoadTableYAML(tablePath)
			if err != nil {
				return fmt.Errorf("load partition table: %w", err)
			}
			reg := fal.NewMemRegistry()
			devices := make(map[string]*fal.MemDevice)
			for _, p := range entries {
				if _, ok := devices[p.FlashDeviceName]; !ok {
					dev := fal.NewMemDevice(p.Offset + p.Length)
					devices[p.FlashDeviceName] = dev
					reg.Add(p.FlashDeviceName, dev)
				} else if need := p.Offset + p.Length; need > uint32(len(devices[p.FlashDeviceName].Bytes)) {
					grown := fal.NewMemDevice(need)
					copy(grown.Bytes, devices[p.FlashDeviceName].Bytes)
					devices[p.FlashDeviceName] = grown
					reg.Add(p.FlashDeviceName, grown)
				}
			}

			cached := fal.NewCachingRegistry(reg, len(devices))
			ctx := ota.NewContext(sch, familyID, fal.Borrow(entries), cached)
			defer ctx.Close()
			info := ota.NewInfo()

			numBlocks := len(raw) / uf2.BlockSize
			for i := 0; i < numBlocks; i++ {
				blk, err := uf2.Decode(raw[i*uf2.BlockSize : (i+1)*uf2.BlockSize])
				if err != nil {
					return fmt.Errorf("block %d: decode: %w", i, err)
				}
				if r := ctx.CheckBlock(&blk); r != ota.ResultOK && r != ota.ResultIgnore {
					return fmt.Errorf("block %d: %v", i, r)
				} else if r == ota.ResultIgnore {
					continue
				}
				if i == 0 {
					if r := ctx.ParseHeader(&blk, info); r != ota.ResultOK {
						return fmt.Errorf("header: %v", r)
					}
					continue
				}
				if r := ctx.Write(&blk); r != ota.ResultOK && r != ota.ResultIgnore {
					return fmt.Errorf("block %d: %v", i, r)
				}
			}

			fmt.Printf("firmware=%q version=%q board=%q\n", info.FirmwareName, info.FirmwareVersion, info.BoardCode)
			if !info.BuildDate.IsZero() {
				fmt.Printf("build date: %s\n", info.BuildDate.Format("2006-01-02 15:04:05 MST"))
			}
			fmt.Printf("written: %d bytes\n", ctx.Written())
			for name, dev := range devices {
				fmt.Printf("device %s: %d erase(s), %d write(s)\n", name, len(dev.EraseCalls), len(dev.WriteCalls))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&tablePath, "table", "", "partition table YAML file (required)")
	flags.Uint32Var(&familyID, "family-id", 0, "32-bit family ID (required)")
	flags.StringVar(&schemeName, "scheme", "device-single", "OTA scheme under simulation")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("family-id")

	return cmd
}
