package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raakeshmj/keygate/internal/scope"
)

func init() {
	rootCmd.AddCommand(newScopesCmd())
}

func newScopesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scopes",
		Short: "Check scope strings offline",
	}
	cmd.AddCommand(newScopesValidateCmd())
	cmd.AddCommand(newScopesCheckCmd())
	return cmd
}

func newScopesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scope>...",
		Short: "Partition scopes into valid and invalid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := scope.ValidateScopes(args)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if !rep.AllValid {
				return fmt.Errorf("%d invalid scope(s)", len(rep.Invalid))
			}
			return nil
		},
	}
}

func newScopesCheckCmd() *cobra.Command {
	var granted []string

	cmd := &cobra.Command{
		Use:   "check <required>...",
		Short: "Report whether granted scopes cover the required ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missing := scope.Missing(granted, args)
			if len(missing) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "granted")
				return nil
			}
			for _, m := range missing {
				fmt.Fprintln(cmd.OutOrStdout(), "missing:", m)
			}
			return fmt.Errorf("%d scope(s) not covered", len(missing))
		},
	}

	cmd.Flags().StringSliceVar(&granted, "granted", nil, "scopes held by the key")

	return cmd
}
