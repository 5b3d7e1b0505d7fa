package cmd

import (
	"fmt"
	"log"

	"github.com/ClusterBees/beebot/beebot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal("Environment variable BB_DATABASE not set (must be a sqlite file path)")
		}
		if _, err := beebot.CreateDB(
			ctx,
			cfg.Database,
			cfg.DatabaseLogLevel,
			cfg.DatabaseSlowThreshold,
		); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
