package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-memory/authz/storage/sqlstore"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations (SQL stores only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, driver, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sqlStore, ok := store.(*sqlstore.Store)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s store has no schema to migrate\n", driver)
				return nil
			}
			applied, err := sqlStore.Migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}
