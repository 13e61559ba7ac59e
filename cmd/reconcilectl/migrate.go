package main

import (
	"fmt"

	"gateway-reconciler/migrations"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.Migrate(cmd.Context(), migrations.FS)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if len(applied) == 0 {
		fmt.Println("Database is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Printf("Applied %s\n", name)
	}
	return nil
}
