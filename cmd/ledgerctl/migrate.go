package main

import (
	"fmt"

	"github.com/Nzyazin/fanledger/internal/server"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the wallets and transactions tables",
	Long: `Apply the ledger schema to the store named by STORE_DRIVER.
Statements are idempotent, so running migrate twice is safe.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := server.OpenStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", cfg.StoreDriver)
	return nil
}
