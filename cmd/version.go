package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version is set by the build.
	Version = "devel"

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of glean",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("glean %s %s %s/%s\n", Version, runtime.Version(),
				runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	gleanCmd.AddCommand(versionCmd)
}
