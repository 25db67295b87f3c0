// Command svcsupervise keeps a payload process alive under Windows Task
// Scheduler, which has no restart-on-crash of its own. The scheduled task
// runs "svcsupervise run"; the library reads the marker file it maintains.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "svcsupervise",
	Short: "Supervise a service payload for hosts without restart-on-crash",
	Long: `svcsupervise spawns a payload command, records its pid and creation
time in a marker file, waits for it to exit and respawns it after a
throttle delay. Stopping the supervisor kills the payload process tree.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
