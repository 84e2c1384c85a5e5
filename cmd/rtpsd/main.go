// Command rtpsd runs a standalone RTPS participant, optionally publishing
// or subscribing to a topic, and serves its state over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rtpsd",
		Short:         "RTPS participant daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpsd: %s\n", err)
		os.Exit(1)
	}
}
