package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deferq/cmd/deferq/commands"
)

var rootCmd = &cobra.Command{
	Use:   "deferq",
	Short: "deferq - local deferred job queue",
	Long: `deferq - run deferred functions locally or against a hosted backend.

Available commands:
  dev        - Run the local scheduler with the demo functions
  executions - Inspect and manage executions on a remote backend
  version    - Show build information

Examples:
  deferq dev --config ./deferq.yaml   # Local scheduler, debug server, hot reload
  deferq executions list --state failed
  deferq executions rerun <id>`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a JSON or YAML config file (empty uses defaults)")

	rootCmd.AddCommand(commands.DevCmd)
	rootCmd.AddCommand(commands.ExecutionsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
