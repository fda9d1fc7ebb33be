package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewResetCacheCommand creates the reset-cache command
func NewResetCacheCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cache",
		Short: "Delete every cached result, job and link",
		Long: `Delete every cached result, job and link from the result store.

Run this against a stopped server; a running server should be reset
through GET /reset-cache so its workers are stopped first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, rootOpts.cfg, rootOpts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}
