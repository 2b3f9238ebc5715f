package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"peercall-backend/pkg/env"
	"peercall-backend/pkg/jwt"
)

// newTokenCmd mints an access token with the service's secret, for
// development setups without an auth service
func newTokenCmd() *cobra.Command {
	var (
		secret   string
		userID   string
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			id := uuid.New()
			if userID != "" {
				parsed, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
				id = parsed
			}
			if username == "" {
				username = id.String()[:8]
			}

			token, err := jwt.NewJWTManager(secret, ttl).GenerateAccessToken(id, username, username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", env.GetStringFromFile("JWT_SECRET", ""), "signing secret shared with the call service")
	cmd.Flags().StringVar(&userID, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&username, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
