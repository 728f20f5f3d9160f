package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRoleCmd())
}

func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage tenant role grants",
		Long:  "Grant, revoke and list tenant roles directly on the store, e.g. to bootstrap the first admin.",
	}

	cmd.AddCommand(newRoleListCmd())
	cmd.AddCommand(newRoleGrantCmd())
	cmd.AddCommand(newRoleRevokeCmd())

	return cmd
}

// ---------- role list ----------

func newRoleListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list <tenant> <user>",
		Aliases: []string{"ls"},
		Short:   "List the roles a user holds in a tenant",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			roles, err := store.GetUserRoles(context.Background(), args[1], args[0])
			if err != nil {
				return fmt.Errorf("get user roles: %w", err)
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{"tenant_id": args[0], "user_id": args[1], "roles": roles})
			}
			if len(roles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No roles.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(roles, "\n"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- role grant ----------

func newRoleGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <tenant> <user> <role>...",
		Short: "Grant roles to a user",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.GrantRoles(context.Background(), args[1], args[0], args[2:]...); err != nil {
				return fmt.Errorf("grant roles: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s in %s\n", strings.Join(args[2:], ", "), args[1], args[0])
			return nil
		},
	}
}

// ---------- role revoke ----------

func newRoleRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <tenant> <user> <role>",
		Short: "Revoke a role from a user",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.RevokeRole(context.Background(), args[1], args[0], args[2]); err != nil {
				return fmt.Errorf("revoke role: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %s in %s\n", args[2], args[1], args[0])
			return nil
		},
	}
}
