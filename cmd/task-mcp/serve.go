package main

import (
	"context"
	"fmt"

	"github.com/brizzai/task-mcp/internal/app"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			a := fx.New(app.Serve(cfg, migrate))

			startCtx, cancel := context.WithTimeout(cmd.Context(), graphTimeout)
			defer cancel()
			if err := a.Start(startCtx); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}

			sig := <-a.Wait()

			stopCtx, cancelStop := context.WithTimeout(context.Background(), graphTimeout)
			defer cancelStop()
			if err := a.Stop(stopCtx); err != nil {
				return fmt.Errorf("failed to stop cleanly: %w", err)
			}
			if sig.ExitCode != 0 {
				return fmt.Errorf("server exited with code %d", sig.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending database migrations on start")
	return cmd
}
