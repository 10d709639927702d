package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Connect to the configured store (STORE_DRIVER) and apply pending schema
migrations. serve and the other commands do this on startup as well; run it
explicitly from deployment jobs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg := config.Load()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		count, err := store.CountIdentities(ctx)
		if err != nil {
			return fmt.Errorf("checking schema: %w", err)
		}
		fmt.Printf("Schema up to date (%s), %d active identities\n", cfg.Store.Driver, count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
