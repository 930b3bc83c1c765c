package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/niviz/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list <out_path>",
	Short: "List runs recorded in an output directory",
	Long: `List runs recorded under out_path/.niviz/runs, newest first.

A run whose process is gone without recording its end is reported as
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsList,
}

var runsListJSON bool

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsListCmd.Flags().BoolVar(&runsListJSON, "json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	recs, err := runregistry.ForOutputDir(args[0]).List()
	if err != nil {
		return exitError(exitFileReadError, "Cannot read run history", err)
	}
	if runsListJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN_ID\tSTATE\tCREATED\tJOBS\tOK\tFAILED\tSKIPPED\tAMBIGUOUS")
	for _, r := range recs {
		jobs, ok, failed, skipped, ambiguous := "-", "-", "-", "-", "-"
		if s := r.Summary; s != nil {
			jobs, ok, failed = fmt.Sprint(s.Jobs), fmt.Sprint(s.Succeeded), fmt.Sprint(s.Failed)
			skipped, ambiguous = fmt.Sprint(s.Skipped), fmt.Sprint(s.Ambiguous)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.State, r.CreatedAt.Format(time.RFC3339), jobs, ok, failed, skipped, ambiguous)
	}
	return w.Flush()
}
