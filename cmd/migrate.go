package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/fulfillment/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the database schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigration(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Connecting to database...")
	db, err := database.Connect(cfg.DB, log.Logger, debug, true)
	if err != nil {
		return err
	}
	defer database.Close(db)

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
