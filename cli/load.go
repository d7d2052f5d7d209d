package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relroshare/relroshare"
	"github.com/relroshare/relroshare/nativeload"
)

var (
	loadLib32      string
	loadLib64      string
	loadRelro32    string
	loadRelro64    string
	loadReserve    int64
	loadSearchRoot []string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reserve address space and load a provider library, sharing relro pages when the snapshot matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := nativeload.NewLoader(loadSearchRoot...)
		defer loader.Close()

		if err := loader.Reserve(loadReserve); err != nil {
			return err
		}
		res, err := loader.Load(nativeload.Spec{
			Path32:  loadLib32,
			Path64:  loadLib64,
			Relro32: loadRelro32,
			Relro64: loadRelro64,
		})
		status := relroshare.StatusForError(err)
		fmt.Fprintf(cmd.OutOrStdout(), "status: %d (%s)\n", int(status), status)
		if err != nil {
			return err
		}
		printWidth(cmd, "lib32", res.Lib32)
		printWidth(cmd, "lib64", res.Lib64)
		return nil
	},
}

func printWidth(cmd *cobra.Command, name string, w nativeload.WidthResult) {
	if !w.Loaded {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped\n", name)
		return
	}
	if w.Shared {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded at %#x, relro shared (snapshot %s)\n", name, w.Base, w.SnapshotID)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded at %#x, private relocation\n", name, w.Base)
}

func init() {
	loadCmd.Flags().StringVar(&loadLib32, "lib32", "", "32-bit library image path")
	loadCmd.Flags().StringVar(&loadLib64, "lib64", "", "64-bit library image path")
	loadCmd.Flags().StringVar(&loadRelro32, "relro32", "", "32-bit relro snapshot path")
	loadCmd.Flags().StringVar(&loadRelro64, "relro64", "", "64-bit relro snapshot path")
	loadCmd.Flags().Int64Var(&loadReserve, "reserve", nativeload.DefaultReserveBytes, "Address space reservation in bytes")
	loadCmd.Flags().StringArrayVar(&loadSearchRoot, "search-root", nil, "Allowed library directories (repeatable; empty allows any)")
	rootCmd.AddCommand(loadCmd)
}
