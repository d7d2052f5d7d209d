package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relroshare/relroshare/nativeload"
)

var (
	createLib  string
	createOut  string
	createBase string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Pre-relocate a provider library and publish its relro snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := parseBase(createBase)
		if err != nil {
			return err
		}
		hdr, err := nativeload.CreateSnapshot(createLib, base, createOut)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (snapshot %s, %d payload bytes)\n",
			createOut, hdr.SnapshotID, hdr.PayloadSize)
		return nil
	},
}

func parseBase(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	base, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid load base %q: %w", s, err)
	}
	return base, nil
}

func init() {
	createCmd.Flags().StringVar(&createLib, "lib", "", "Provider library image (plain path or archive!/entry)")
	createCmd.Flags().StringVar(&createOut, "out", "", "Snapshot output path")
	createCmd.Flags().StringVar(&createBase, "base", "", "Load base address the snapshot is relocated for, hex")
	_ = createCmd.MarkFlagRequired("lib")
	_ = createCmd.MarkFlagRequired("out")
	_ = createCmd.MarkFlagRequired("base")
	rootCmd.AddCommand(createCmd)
}
