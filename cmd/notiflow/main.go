package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/cmd/notiflow/commands"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
)

var rootCmd = &cobra.Command{
	Use:   "notiflow",
	Short: "notiflow - platform notifications and job progress from the terminal",
	Long: `notiflow - platform notifications and job progress from the terminal.

notiflow reads the platform's notification list over REST, follows the
realtime push channel, and derives the progress of long-running jobs
(contact imports, exports, bulk sends) from job notifications.

Available commands:
  am            - Manage configuration and credentials ("I am")
  notifications - List, mark read and delete notifications
  jobs          - Show job progress derived from notifications
  watch         - Follow the realtime feed
  version       - Show version information

Examples:
  notiflow am init --base-url https://api.example.com --token <token>
  notiflow notifications ls --unread
  notiflow jobs ls --active
  notiflow watch --metrics`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			commands.SetConfigPath(path)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON to stderr")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().String("config", "", "Read configuration from this file only (skips the am.toml cascade and env overrides)")

	// Add commands
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.NotificationsCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
