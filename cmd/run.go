package cmd

import (
	"log"

	"github.com/Manil-helal/Orion-website/orion"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the dashboard API server and its Discord gateway connection",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		o, err := orion.New(cfg)
		if err != nil {
			log.Fatalf("error creating orion: %s", err.Error())
		}

		if err = o.Run(ctx); err != nil {
			log.Fatalf("error running orion: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
