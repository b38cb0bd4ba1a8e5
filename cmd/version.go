package cmd

import (
	"fmt"

	"github.com/Manil-helal/Orion-website/orion"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			orion.Version,
			orion.CommitSHA,
			orion.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
