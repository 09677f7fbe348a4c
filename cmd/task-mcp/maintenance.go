package main

import (
	"fmt"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/brizzai/task-mcp/internal/storage/postgres"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var store storage.Store
			_, stop, err := startGraph(cmd, &store)
			if err != nil {
				return err
			}
			defer stop()

			pg, ok := store.(*postgres.Store)
			if !ok {
				pterm.Warning.Println("The memory driver has no schema, nothing to migrate")
				return nil
			}

			applied, err := pg.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				pterm.Info.Println("Database is up to date")
				return nil
			}
			for _, v := range applied {
				pterm.Success.Printfln("Applied %s", v)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete inactive sessions and expired client registrations once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var store storage.Store
			cfg, stop, err := startGraph(cmd, &store)
			if err != nil {
				return err
			}
			defer stop()

			cipher, err := auth.NewCipher(&cfg.Auth)
			if err != nil {
				return err
			}

			res, err := auth.NewStoreSweeper(store, cipher, &cfg.Auth).RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			if output != outputTable {
				return printStructured(cmd.OutOrStdout(), output, res)
			}
			pterm.Success.Printfln("Removed %s sessions and %s clients",
				pterm.LightGreen(res.Sessions),
				pterm.LightGreen(res.Clients))
			return nil
		},
	}

	addOutputFlag(cmd, &output)
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random token encryption key",
		Long: `Generate a random secret suitable for auth.encryption_key
(TASK_MCP_AUTH_ENCRYPTION_KEY). Rotating the key invalidates every stored
session and client secret.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}
