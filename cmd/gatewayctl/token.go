package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/config"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		scopes    []string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a JWT signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if expiresIn == 0 {
				expiresIn, err = time.ParseDuration(cfg.Auth.JWTExpiresIn)
				if err != nil {
					return fmt.Errorf("invalid jwt expires in: %w", err)
				}
			}
			for _, scope := range scopes {
				switch scope {
				case auth.ScopeSubscribe, auth.ScopePublish, auth.ScopeAdmin:
				default:
					return fmt.Errorf("unknown scope %q", scope)
				}
			}
			token, expiresAt, err := auth.GenerateToken(strings.TrimSpace(args[0]), cfg.Auth.JWTSecret, expiresIn, scopes...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeSubscribe}, "Scopes to grant (subscribe, publish, admin)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Token lifetime (defaults to auth.jwt_expires_in)")
	return cmd
}
