package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/server"
	"github.com/mcp-memory/authz/storage"
)

func newClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth clients",
	}
	cmd.AddCommand(
		newClientRegisterCommand(a),
		newClientListCommand(a),
		newClientShowCommand(a),
		newClientRotateSecretCommand(a),
		newClientDeactivateCommand(a),
	)
	return cmd
}

func newClientRegisterCommand(a *app) *cobra.Command {
	var (
		req      server.RegisterRequest
		metadata map[string]string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a client and print its one-time secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			req.Metadata = metadata
			client, secret, err := srv.RegisterClient(ctx, req)
			if err != nil {
				return describeError(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
			fmt.Fprintf(out, "client_secret: %s\n", secret)
			fmt.Fprintln(out, "The secret is shown once. Store it now.")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "", "human readable client name")
	flags.StringVar(&req.OwnerID, "owner", "", "user that owns the client")
	flags.StringArrayVar(&req.RedirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	flags.StringArrayVar(&req.AllowedScopes, "scope", nil, "allowed scope (repeatable)")
	flags.StringToStringVar(&metadata, "metadata", nil, "extra key=value metadata")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("redirect-uri")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newClientListCommand(a *app) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			clients, err := srv.ListClients(ctx, owner)
			if err != nil {
				return describeError(err)
			}
			return renderClientTable(cmd.OutOrStdout(), clients)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list clients owned by this user")
	return cmd
}

func renderClientTable(w io.Writer, clients []*storage.Client) error {
	if len(clients) == 0 {
		fmt.Fprintln(w, "No clients found.")
		return nil
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"Client ID", "Name", "Owner", "Scopes", "Status", "Created"}),
		tablewriter.WithAlignment(tw.MakeAlign(6, tw.AlignLeft)),
	)
	for _, c := range clients {
		if err := table.Append([]string{
			c.ClientID,
			c.Name,
			c.OwnerID,
			strings.Join(c.AllowedScopes, " "),
			clientStatus(c),
			c.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func clientStatus(c *storage.Client) string {
	if c.Active {
		return "active"
	}
	return "deactivated"
}

func newClientShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show CLIENT_ID",
		Short: "Show a client, including deactivated ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			client, err := srv.GetClient(ctx, args[0])
			if err != nil {
				return describeError(err)
			}
			printClient(cmd.OutOrStdout(), client)
			return nil
		},
	}
}

func printClient(w io.Writer, c *storage.Client) {
	fmt.Fprintf(w, "client_id:         %s\n", c.ClientID)
	fmt.Fprintf(w, "name:              %s\n", c.Name)
	fmt.Fprintf(w, "owner:             %s\n", c.OwnerID)
	fmt.Fprintf(w, "status:            %s\n", clientStatus(c))
	fmt.Fprintf(w, "redirect_uris:     %s\n", strings.Join(c.RedirectURIs, ", "))
	fmt.Fprintf(w, "allowed_scopes:    %s\n", strings.Join(c.AllowedScopes, " "))
	fmt.Fprintf(w, "created_at:        %s\n", formatTime(c.CreatedAt))
	fmt.Fprintf(w, "secret_rotated_at: %s\n", formatTime(c.SecretRotatedAt))
	if !c.Active {
		fmt.Fprintf(w, "deactivated_at:    %s\n", formatTime(c.DeactivatedAt))
	}
	keys := make([]string, 0, len(c.Metadata))
	for k := range c.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "metadata.%s: %s\n", k, c.Metadata[k])
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newClientRotateSecretCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret CLIENT_ID",
		Short: "Issue a new client secret; the old one stops working immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			secret, err := srv.RotateClientSecret(ctx, args[0])
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client_secret: %s\n", secret)
			return nil
		},
	}
}

func newClientDeactivateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate CLIENT_ID",
		Short: "Permanently deactivate a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := srv.DeactivateClient(ctx, args[0]); err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client %s deactivated\n", args[0])
			return nil
		},
	}
}
