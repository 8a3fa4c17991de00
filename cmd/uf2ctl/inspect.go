package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xxd"

	"openenterprise/otaforge/uf2"
)

func newInspectCommand() *cobra.Command {
	var dumpData bool

	cmd := &cobra.Command{
		Use:   "inspect <firmware.uf2>",
		Short: "Print block and tag structure of a UF2-variant stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			if len(raw)%uf2.BlockSize != 0 {
				return fmt.Errorf("%s: length %d is not a multiple of the %d-byte block size", args[0], len(raw), uf2.BlockSize)
			}

			numBlocks := len(raw) / uf2.BlockSize
			fmt.Printf("%s: %d blocks (%d bytes)\n\n", args[0], numBlocks, len(raw))

			for i := 0; i < numBlocks; i++ {
				blk, err := uf2.Decode(raw[i*uf2.BlockSize : (i+1)*uf2.BlockSize])
				if err != nil {
					return fmt.Errorf("block %d: %w", i, err)
				}
				fmt.Printf("block %d: seq=%d addr=0x%x len=%d flags=0x%04x",
					i, blk.BlockSeq, blk.Addr, blk.Len, blk.Flags)
				if blk.HasFamilyID() {
					fmt.Printf(" family=0x%08x", blk.FileSizeOrFamilyID)
				}
				fmt.Println()

				if blk.HasTags() {
					it := uf2.NewTagIterator(&blk)
					for {
						tag, ok := it.Next()
						if !ok {
							break
						}
						fmt.Printf("  tag 0x%06x (%d bytes): %s\n", uint32(tag.Type), len(tag.Payload), spew.Sdump(tag.Payload))
					}
				}
				if dumpData && blk.Len > 0 {
					xxd.Print(int(blk.Addr), blk.Data[:blk.Len])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dumpData, "hex", false, "hex-dump each block's payload")
	return cmd
}
