package cmd

import (
	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"io"
)

// rootCmd represents the root CLI command object which all other commands stem from.
var rootCmd = &cobra.Command{
	Use:     "collabfuzz",
	Version: version,
	Short:   "A collaborative fuzzing orchestrator",
	Long:    "collabfuzz coordinates multiple cooperating fuzzer instances around a shared corpus and derived analysis state",
}

// cmdLogger is the logger that will be used for the cmd package
var cmdLogger = logging.NewLogger(zerolog.InfoLevel, true, make([]io.Writer, 0)...)

// Execute provides an exportable function to invoke the CLI.
// Returns an error if one was encountered.
func Execute() error {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd.Execute()
}
