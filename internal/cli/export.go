package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemshift/provprune/internal/server/export"
)

// NewExportCommand creates the export command
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <jobID>",
		Short: "Write a job's results to an XLSX workbook",
		Long: `Write a job's results to an XLSX workbook.

Examples:
  provprune export 0MjAyNDA1MDExMDAwMDAwMDAwMDAwMTIz
  provprune export 0MjAyNDA1MDExMDAwMDAwMDAwMDAwMTIz -o results.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobID := args[0]
			if output == "" {
				output = jobID + ".xlsx"
			}

			st, err := openStore(ctx, rootOpts.cfg, rootOpts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			xlsx, err := export.NewService(st, rootOpts.logger).JobResultsXLSX(ctx, jobID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, xlsx, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <jobID>.xlsx)")
	return cmd
}
