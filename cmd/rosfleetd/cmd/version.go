package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time.
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rosfleetd %s (%s/%s, %s)\n",
			buildVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
