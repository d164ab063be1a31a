package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is the semantic version of the collabfuzz orchestrator binary. It is not currently
// stamped by the build system, so it is hardcoded until a release process is in place.
const version = "0.1.0"

// versionCmd represents the version command that displays build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	Long:  `Print the version and Go runtime information for the collabfuzz orchestrator.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("collabfuzz %s (%s)\n", version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
