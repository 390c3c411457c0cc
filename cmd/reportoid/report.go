package main

import (
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/quality"
	"github.com/atomoutput/reportoid/internal/reprocess"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show derived dataset statistics",
	Long: `Show the per-site statistics derived from the current dataset: active and
inactive tickets, active tickets by priority and review status, and groups
by status. The fingerprint changes whenever any of these numbers change.`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := commandContext()
		defer cancel()

		snap, err := engine.Refresh(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if asJSON {
			if err := writeJSON(os.Stdout, snap.Stats); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		printStats(os.Stdout, snap.Stats)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate the data quality report",
	Long: `Summarise the quality of the active dataset: totals, site filter effect,
pending duplicates, missing values, an overall score out of 100 and
recommendations.

Examples:
  reportoid report
  reportoid report --json > quality.json`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := commandContext()
		defer cancel()

		if _, err := engine.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		r, err := engine.Report(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build report: %v\n", err)
			os.Exit(1)
		}
		if asJSON {
			if err := writeJSON(os.Stdout, r); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		printReport(os.Stdout, r)
	},
}

func printStats(w io.Writer, s *reprocess.DatasetStats) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s\n", bold("Dataset"))
	fmt.Fprintf(w, "  Tickets: %d (%d active, %d inactive)\n", s.Tickets, s.Active, s.Inactive)
	fmt.Fprintf(w, "  Fingerprint: %s\n", s.Fingerprint)

	if len(s.GroupsByStatus) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Groups"))
		for status, n := range sortedCounts(s.GroupsByStatus) {
			fmt.Fprintf(w, "  %-10s %d\n", status, n)
		}
	}

	for _, site := range slices.Sorted(maps.Keys(s.Sites)) {
		st := s.Sites[site]
		fmt.Fprintf(w, "\n%s  %d active / %d total\n", bold(site), st.Active, st.Total)
		for p, n := range sortedCounts(st.ByPriority) {
			fmt.Fprintf(w, "  %-10s %d\n", p, n)
		}
	}
}

func printReport(w io.Writer, r *quality.Report) {
	bold := color.New(color.Bold).SprintFunc()

	scoreColor := color.New(color.FgGreen)
	switch {
	case r.QualityScore < 60:
		scoreColor = color.New(color.FgRed)
	case r.QualityScore < 85:
		scoreColor = color.New(color.FgYellow)
	}
	fmt.Fprintf(w, "%s %s\n\n", bold("Data quality score:"), scoreColor.Sprintf("%.2f / 100", r.QualityScore))

	d := r.Dataset
	fmt.Fprintf(w, "%s\n", bold("Dataset"))
	fmt.Fprintf(w, "  Tickets: %d (%d active, %d inactive) across %d sites\n",
		d.TotalTickets, d.ActiveTickets, d.InactiveTickets, d.UniqueSites)
	if d.Start != nil {
		fmt.Fprintf(w, "  Range: %s to %s\n", d.Start.Format("2006-01-02"), d.End.Format("2006-01-02"))
	}

	if r.SiteFilter.Enabled {
		fmt.Fprintf(w, "\n%s\n", bold("Site filter"))
		fmt.Fprintf(w, "  Kept %d of %d tickets (%d removed from %d sites)\n",
			r.SiteFilter.Kept, r.SiteFilter.Original, r.SiteFilter.Removed, r.SiteFilter.SitesRemoved)
	}

	dup := r.Duplicates
	fmt.Fprintf(w, "\n%s\n", bold("Pending duplicates"))
	fmt.Fprintf(w, "  Groups: %d covering %d tickets (%.2f%%)\n", dup.Groups, dup.TicketsAffected, dup.Percentage)
	fmt.Fprintf(w, "  High confidence: %d  Manual review: %d  Low confidence: %d\n",
		dup.HighConfidence, dup.ManualReview, dup.LowConfidence)

	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Missing values"))
		for field, n := range sortedCounts(r.Missing) {
			fmt.Fprintf(w, "  %-12s %d\n", field, n)
		}
	}

	fmt.Fprintf(w, "\n%s\n", bold("Recommendations"))
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}
}

// sortedCounts yields the entries of m in key order.
func sortedCounts[K ~string](m map[K]int) iter.Seq2[K, int] {
	return func(yield func(K, int) bool) {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	reportCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reportCmd)
}
