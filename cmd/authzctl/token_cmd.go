package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/server"
)

func newTokenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and revoke tokens",
	}
	cmd.AddCommand(newTokenValidateCommand(a), newTokenRevokeCommand(a))
	return cmd
}

func newTokenValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate ACCESS_TOKEN",
		Short: "Check an access token and print its grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			token, err := srv.ValidateToken(ctx, args[0])
			if err != nil {
				return describeError(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "active:     true")
			fmt.Fprintf(out, "client_id:  %s\n", token.ClientID)
			fmt.Fprintf(out, "user_id:    %s\n", token.UserID)
			fmt.Fprintf(out, "scope:      %s\n", strings.Join(token.Scopes, " "))
			fmt.Fprintf(out, "family_id:  %s\n", token.FamilyID)
			fmt.Fprintf(out, "expires_at: %s\n", formatTime(token.ExpiresAt))
			return nil
		},
	}
}

func newTokenRevokeCommand(a *app) *cobra.Command {
	var hint string
	cmd := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke an access or refresh token on behalf of any client",
		Long: `Revoke an access or refresh token. Revoking a refresh token also revokes
every token descended from the same authorization code. Unknown tokens are
not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch hint {
			case "", server.TokenTypeHintAccessToken, server.TokenTypeHintRefreshToken:
			default:
				return fmt.Errorf("invalid --type-hint %q (want %s or %s)",
					hint, server.TokenTypeHintAccessToken, server.TokenTypeHintRefreshToken)
			}

			ctx := cmd.Context()
			srv, cleanup, err := a.openServer(ctx, instrumentation.Config{}, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := srv.AdminRevokeToken(ctx, args[0], hint); err != nil {
				return describeError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	cmd.Flags().StringVar(&hint, "type-hint", "", "access_token or refresh_token")
	return cmd
}
