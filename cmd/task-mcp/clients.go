package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/handlers"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", outputTable, "Output format (table|yaml|json)")
}

func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// withRegistry starts the store graph and hands a client registry to fn.
func withRegistry(cmd *cobra.Command, fn func(*clients.Registry) error) error {
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
	return fn(clients.NewRegistry(store, cipher, cfg.Auth.ClientTTL))
}

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage dynamic client registrations",
	}
	cmd.AddCommand(newClientsListCmd(), newClientsRegisterCmd(), newClientsRevokeCmd())
	return cmd
}

func newClientsListCmd() *cobra.Command {
	var (
		platform string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter models.Platform
			if platform != "" {
				p, err := models.ParsePlatform(strings.ToLower(platform))
				if err != nil {
					return err
				}
				filter = p
			}

			return withRegistry(cmd, func(r *clients.Registry) error {
				list, err := r.List(cmd.Context(), filter)
				if err != nil {
					return err
				}

				infos := make([]handlers.ClientInfo, 0, len(list))
				for _, c := range list {
					infos = append(infos, handlers.NewClientInfo(c))
				}
				if output != outputTable {
					return printStructured(cmd.OutOrStdout(), output, infos)
				}
				if len(infos) == 0 {
					pterm.Info.Println("No registered clients")
					return nil
				}
				return renderClients(infos)
			})
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Only list clients of this platform")
	addOutputFlag(cmd, &output)
	return cmd
}

func renderClients(infos []handlers.ClientInfo) error {
	now := time.Now()
	data := pterm.TableData{{"CLIENT ID", "NAME", "PLATFORM", "REDIRECT URIS", "EXPIRES", "LAST USED"}}
	for _, c := range infos {
		expires := c.ExpiresAt.Format(time.DateTime)
		if c.ExpiresAt.Before(now) {
			expires = pterm.Red(expires + " (expired)")
		}
		lastUsed := "never"
		if c.LastUsed != nil {
			lastUsed = c.LastUsed.Format(time.DateTime)
		}
		data = append(data, []string{
			c.ClientID, c.ClientName, c.Platform, strings.Join(c.RedirectURIs, "\n"), expires, lastUsed,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func newClientsRegisterCmd() *cobra.Command {
	var (
		platform     string
		name         string
		redirectURIs []string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a client and print its credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(r *clients.Registry) error {
				reg, err := r.Register(cmd.Context(), platform, redirectURIs, name)
				if err != nil {
					return err
				}
				pterm.Success.Printfln("Registered client %s", pterm.LightGreen(reg.ClientID))
				pterm.Info.Printfln("client_secret: %s", reg.ClientSecret)
				pterm.Warning.Printfln("The secret is not stored in plaintext and cannot be shown again. Expires %s.",
					reg.ExpiresAt.Format(time.DateTime))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&platform, "platform", string(models.PlatformCLI),
		fmt.Sprintf("Client platform (%s)", joinPlatforms()))
	cmd.Flags().StringVar(&name, "name", "", "Human readable client name")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func joinPlatforms() string {
	var names []string
	for _, p := range models.Platforms() {
		names = append(names, string(p))
	}
	return strings.Join(names, "|")
}

func newClientsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke CLIENT_ID",
		Short: "Delete a client registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(r *clients.Registry) error {
				if err := r.Revoke(cmd.Context(), args[0]); err != nil {
					return err
				}
				pterm.Success.Printfln("Revoked client %s", args[0])
				return nil
			})
		},
	}
}
