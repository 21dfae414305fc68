package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/migrations"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll all migrations back instead")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.New(database.DefaultConfig(cfg.DatabaseDSN))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var version int
	var dirty bool
	if migrateDown {
		version, dirty, err = migrations.MigrateDown(db.DB)
	} else {
		version, dirty, err = migrations.MigrateUp(db.DB)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Printf("Database at version %d (dirty=%v)\n", version, dirty)
	return nil
}
