package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/arcward/guildkit/guildkit"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the config root and job database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.ConfigRoot == "" {
			log.Fatal("Environment variable GUILDKIT_CONFIG_ROOT not set")
		}
		if err := os.MkdirAll(cfg.ConfigRoot, 0o755); err != nil {
			log.Fatalf("Error creating config root: %v", err)
		}

		// Opening the database runs migrations.
		dbPath := cfg.JobDatabase
		if dbPath == "" {
			dbPath = cfg.ConfigRoot + string(os.PathSeparator) +
				guildkit.JobDatabaseName
		}
		if _, err := guildkit.CreateDB(ctx, dbPath); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Config root:", cfg.ConfigRoot)
		fmt.Fprintln(out, "Job database:", dbPath)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
