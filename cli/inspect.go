package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relroshare/relroshare/nativeload"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot>",
	Short: "Dump a relro snapshot header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hdr, err := nativeload.ReadSnapshotHeader(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), hdr.Describe())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
