package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"openenterprise/otaforge/fal"
	"openenterprise/otaforge/scheme"
	"openenterprise/otaforge/uf2"
)

func newPackCommand() *cobra.Command {
	var (
		tablePath   string
		partition   string
		familyID    uint32
		firmware    string
		fwVersion   string
		board       string
		buildDate   string
		schemeName  string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "pack <image.bin>",
		Short: "Assemble a firmware image into an OTA stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := parseScheme(schemeName)
			if err != nil {
				return err
			}
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			entries, err := fal.LoadTableYAML(tablePath)
			if err != nil {
				return fmt.Errorf("load partition table: %w", err)
			}
			names := make([]string, len(entries))
			assignment := make(map[scheme.Scheme]uint8, 1)
			for i, p := range entries {
				names[i] = p.Name
				if p.Name == partition {
					assignment[sch] = uint8(i + 1)
				}
			}
			if _, ok := assignment[sch]; !ok {
				return fmt.Errorf("partition %q not found in table %s", partition, tablePath)
			}
			partList, partInfo := scheme.EmitRouting(assignment, names)

			var buildTime time.Time
			switch buildDate {
			case "":
			case "now":
				buildTime = time.Now()
			default:
				var err error
				buildTime, err = time.Parse(time.RFC3339, buildDate)
				if err != nil {
					return fmt.Errorf("--build-date: %w", err)
				}
			}

			b := &uf2.Builder{
				FamilyID: familyID,
				PartList: partList,
				PartInfo: partInfo,
				HeaderTags: uf2.HeaderTags{
					Firmware:  firmware,
					Version:   fwVersion,
					Board:     board,
					BuildDate: buildTime,
				},
			}
			stream, err := b.Build(image)
			if err != nil {
				return fmt.Errorf("build stream: %w", err)
			}
			if err := os.WriteFile(output, stream, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Printf("wrote %s: %d blocks, %d bytes\n", output, len(stream)/uf2.BlockSize, len(stream))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&tablePath, "table", "", "partition table YAML file (required)")
	flags.StringVar(&partition, "partition", "app", "target partition name")
	flags.Uint32Var(&familyID, "family-id", 0, "32-bit family ID (required)")
	flags.StringVar(&firmware, "firmware", "", "firmware name header tag")
	flags.StringVar(&fwVersion, "version", "", "firmware version header tag")
	flags.StringVar(&board, "board", "", "board code header tag")
	flags.StringVar(&buildDate, "build-date", "", "build date header tag (RFC3339, or \"now\")")
	flags.StringVar(&schemeName, "scheme", "device-single", "OTA scheme (device-single, device-dual-1, device-dual-2, flasher-single, flasher-dual-1, flasher-dual-2)")
	flags.StringVarP(&output, "output", "o", "firmware.uf2", "output stream path")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("family-id")

	return cmd
}

func parseScheme(name string) (scheme.Scheme, error) {
	switch name {
	case "device-single":
		return scheme.DeviceSingle, nil
	case "device-dual-1":
		return scheme.DeviceDual1, nil
	case "device-dual-2":
		return scheme.DeviceDual2, nil
	case "flasher-single":
		return scheme.FlasherSingle, nil
	case "flasher-dual-1":
		return scheme.FlasherDual1, nil
	case "flasher-dual-2":
		return scheme.FlasherDual2, nil
	default:
		return 0, fmt.Errorf("unknown scheme %q", name)
	}
}
