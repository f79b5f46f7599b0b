package cmd

import (
	"fmt"
	"os"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/pl"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new pljs database",
	Long:  `Creates a new SQLite database with the procedure and trigger catalog tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		singletons, _ := cmd.Flags().GetBool("singletons")

		if _, err := os.Stat(dbPath); err == nil {
			return fmt.Errorf("database already exists at %s", dbPath)
		}

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer database.Close()

		if err := database.RunMigrations(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		if singletons {
			table := pl.DefaultConfig().SingletonTable
			if _, err := database.Exec(fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, args TEXT NOT NULL DEFAULT '', body TEXT NOT NULL)",
				pq.QuoteIdentifier(table))); err != nil {
				return fmt.Errorf("failed to create %s: %w", table, err)
			}
			fmt.Printf("Initialized database at %s with %s\n", dbPath, table)
			return nil
		}
		fmt.Printf("Initialized database at %s\n", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("singletons", false, "Also create the singleton methods table")
}
