package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systemshift/provprune/internal/server/core"
)

// StatusOptions holds flags for the status command
type StatusOptions struct {
	*RootOptions
	Results bool
	JSON    bool
}

type statusOutput struct {
	core.Job
	Results []core.ResultView `json:"results,omitempty"`
}

// NewStatusCommand creates the status command
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <jobID>",
		Short: "Show a job's status and optionally its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			out := statusOutput{Job: *job}
			if opts.Results {
				recs, err := st.ResultsForJob(ctx, job.ID)
				if err != nil {
					return err
				}
				out.Results = core.Views(recs)
			}

			if opts.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printStatus(cmd, out)
		},
	}

	cmd.Flags().BoolVar(&opts.Results, "results", false, "include the job's results")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, out statusOutput) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "job:     %s\n", out.ID)
	fmt.Fprintf(w, "status:  %s\n", out.Status)
	fmt.Fprintf(w, "started: %s\n", out.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	if out.StoppedAt != nil {
		fmt.Fprintf(w, "stopped: %s\n", out.StoppedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if out.ErrorMessage != "" {
		fmt.Fprintf(w, "error:   %s\n", out.ErrorMessage)
	}
	if len(out.Results) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tTIMESTAMP\tSHOW\tHIDE\tRECOMMENDED\tCLASSIFIED BY")
	for _, r := range out.Results {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.UUID, r.Timestamp, prob(r.ShowProb), prob(r.HideProb), recommendation(r.Recommended), r.ClassifiedBy)
	}
	return tw.Flush()
}

func prob(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *p)
}

func recommendation(r *core.Recommendation) string {
	if r == nil {
		return "-"
	}
	return string(*r)
}
