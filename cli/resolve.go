package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relroshare/relroshare/libpath"
)

var (
	resolvePrimaryABI   string
	resolveSecondaryABI string
	resolveSourceDir    string
	resolveLibDir       string
	resolveSecondDir    string
	resolveFileName     string
	resolveABIs32       []string
	resolveABIs64       []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a provider package's per-width native library paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := libpath.Resolve(libpath.Descriptor{
			PrimaryABI:      resolvePrimaryABI,
			SecondaryABI:    resolveSecondaryABI,
			SourceDir:       resolveSourceDir,
			NativeLibDir:    resolveLibDir,
			SecondaryLibDir: resolveSecondDir,
			LibraryFileName: resolveFileName,
		}, resolveABIs32, resolveABIs64)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "path32: %s\npath64: %s\n", orNone(paths.Path32), orNone(paths.Path64))
		return nil
	},
}

func orNone(p string) string {
	if p == "" {
		return "(none)"
	}
	return p
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePrimaryABI, "primary-abi", "", "Package primary ABI")
	resolveCmd.Flags().StringVar(&resolveSecondaryABI, "secondary-abi", "", "Package secondary ABI, if multi-arch")
	resolveCmd.Flags().StringVar(&resolveSourceDir, "source", "", "Package archive path")
	resolveCmd.Flags().StringVar(&resolveLibDir, "lib-dir", "", "Primary native library directory")
	resolveCmd.Flags().StringVar(&resolveSecondDir, "secondary-lib-dir", "", "Secondary native library directory")
	resolveCmd.Flags().StringVar(&resolveFileName, "name", "", "Native library file name")
	resolveCmd.Flags().StringSliceVar(&resolveABIs32, "abi32", nil, "32-bit ABI candidates for archive fallback")
	resolveCmd.Flags().StringSliceVar(&resolveABIs64, "abi64", nil, "64-bit ABI candidates for archive fallback")
	_ = resolveCmd.MarkFlagRequired("primary-abi")
	_ = resolveCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(resolveCmd)
}
