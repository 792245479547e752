package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hal-core/internal/api"
	"github.com/nerrad567/hal-core/internal/infrastructure/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status API",
		Long: `Token signs an access token with api.auth.jwt_secret. Send it as
"Authorization: Bearer <token>" to /api/v1, or exchange it at
POST /api/v1/auth/ws-ticket for a websocket ticket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if !cfg.API.Auth.Enabled {
				return fmt.Errorf("api.auth is disabled; tokens would not be checked")
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.API.Auth.TokenTTL) * time.Minute
			}

			token, err := api.IssueToken(cfg.API.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "hal", "who the token is for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default api.auth.token_ttl)")
	return cmd
}
