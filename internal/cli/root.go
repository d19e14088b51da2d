package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Adaptive notification decision engine",
	Long:  "Nudge decides whether and when to notify each user, learning per-channel preferences from observed engagement and enforcing rate limits and experiments.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}
