package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
)

// Version is set by the build via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		if jsonOutput {
			outputJSON(map[string]string{
				"version":  Version,
				"protocol": rpc.ProtocolVersion,
			})
			return
		}
		fmt.Printf("decomp %s (protocol %s)\n", Version, rpc.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
