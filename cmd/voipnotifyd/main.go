package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voipnotifyd",
		Short: "Reminder and wake-up call notification service",
		Long: `voipnotifyd delivers reminders by SMS and voice and keeps calling
for wake-up reminders until the recipient confirms.

  voipnotifyd serve      Run the scheduler, campaigns and HTTP API
  voipnotifyd migrate    Apply the database schema`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "/etc/voipnotifyd.yaml", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
