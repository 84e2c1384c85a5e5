package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/liamstask/go-rtps/v2/rtps"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rtpsd %s (%s)\n", version, commit)
			fmt.Fprintf(cmd.OutOrStdout(), "protocol %d.%d, vendor %s\n",
				rtps.MY_RTPS_VERSION_MAJOR, rtps.MY_RTPS_VERSION_MINOR, rtps.VendorID(rtps.MY_RTPS_VENDOR_ID))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
