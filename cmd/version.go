package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/qvcloud/replier/brokers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the compiled-in transports",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "replier %s (%s)\ntransports: %v\n", Version, runtime.Version(), brokers.Names())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
