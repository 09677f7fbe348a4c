package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brizzai/task-mcp/internal/app"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const graphTimeout = 30 * time.Second

func main() {
	Execute()
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "task-mcp",
	Short: "MCP server with an OAuth 2.1 session layer",
	Long: `task-mcp serves MCP tools behind an OAuth 2.1 session layer.
Users authorize through an OpenID Connect provider; the server keeps their
tokens encrypted and hands clients an opaque session id instead.`,
	Version:       config.GetVersionInfo(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	config.InitFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newClientsCmd(),
		newKeygenCmd(),
	)
}

// startGraph loads the config and starts a store-level fx app populating
// targets. The returned func stops it.
func startGraph(cmd *cobra.Command, targets ...any) (*config.Config, func(), error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	a := fx.New(app.Base(cfg), fx.Populate(targets...))

	ctx, cancel := context.WithTimeout(cmd.Context(), graphTimeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start: %w", err)
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), graphTimeout)
		defer cancel()
		_ = a.Stop(ctx)
	}
	return cfg, stop, nil
}
