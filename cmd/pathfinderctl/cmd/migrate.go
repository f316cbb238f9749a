package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
