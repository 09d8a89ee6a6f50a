package cmd

import (
	"example.com/fooddelivery/services/orders/internal/database"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the orders and outbox tables",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DB.Driver != "postgres" {
		return errors.Errorf("migrate requires the postgres driver, got %q", cfg.DB.Driver)
	}

	db, err := database.Connect(cfg.DB, metrics.NewMetrics())
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	log.Info().Msg("Migrations applied")
	return nil
}
