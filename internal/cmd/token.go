package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raakeshmj/keygate/internal/auth"
)

func init() {
	rootCmd.AddCommand(newTokenCmd())
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		tenant string
		grant  []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for the management API",
		Long: `Mint a signed session token for a user. The token carries the roles
the user holds in --tenant. Use --grant to add roles first; grants only
persist with the sqlite storage driver.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := context.Background()
			if len(grant) > 0 {
				if err := store.GrantRoles(ctx, userID, tenant, grant...); err != nil {
					return fmt.Errorf("grant roles: %w", err)
				}
			}
			roles, err := store.GetUserRoles(ctx, userID, tenant)
			if err != nil {
				return fmt.Errorf("get user roles: %w", err)
			}

			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, ttl).Generate(userID, tenant, roles)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id the token is issued to")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant whose roles the token carries")
	cmd.Flags().StringSliceVar(&grant, "grant", nil, "roles to grant before signing")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")

	return cmd
}
