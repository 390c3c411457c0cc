package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/quality"
	"github.com/atomoutput/reportoid/internal/types"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a duplicate analysis pass",
	Long: `Cluster the active tickets of every site and reconcile the result with the
stored duplicate groups.

New groups become pending, pending groups get fresh confidence scores and
skipped groups are offered again. Merged and dismissed groups are never
re-opened. Pending groups the pass no longer finds are dropped.

Examples:
  reportoid analyze
  reportoid analyze --json`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := commandContext()
		defer cancel()

		var result *quality.AnalysisResult
		err := withWriterLock(func() error {
			var err error
			result, err = engine.Analyze(ctx)
			return err
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: analysis failed: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			if err := writeJSON(os.Stdout, result); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		printAnalysis(result)
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups [GROUP_ID...]",
	Short: "List duplicate groups",
	Long: `List stored duplicate groups, highest confidence first.

Without arguments only pending groups are shown. Pass group IDs to show
those groups with their member tickets and similarity evidence.

Examples:
  reportoid groups
  reportoid groups --status merged --status dismissed
  reportoid groups --site "Store 12" --verbose
  reportoid groups dg-4f1c0a2b9e7d3c51`,
	Run: func(cmd *cobra.Command, args []string) {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		sites, _ := cmd.Flags().GetStringSlice("site")
		ticketID, _ := cmd.Flags().GetString("ticket")
		verbose, _ := cmd.Flags().GetBool("verbose")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := types.GroupFilter{SiteIDs: sites, TicketID: ticketID}
		for _, s := range statuses {
			status := types.GroupStatus(s)
			if !status.IsValid() {
				fmt.Fprintf(os.Stderr, "Error: invalid status %q\n", s)
				os.Exit(1)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
		if len(filter.Statuses) == 0 && len(args) == 0 {
			filter.Statuses = []types.GroupStatus{types.GroupPending}
		}

		ctx, cancel := commandContext()
		defer cancel()

		groups, err := engine.Groups(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list groups: %v\n", err)
			os.Exit(1)
		}
		if len(args) > 0 {
			groups = slices.DeleteFunc(groups, func(g quality.GroupView) bool {
				return !slices.Contains(args, g.ID)
			})
			verbose = true
		}

		if asJSON {
			if err := writeJSON(os.Stdout, groups); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		snap, err := engine.Refresh(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load tickets: %v\n", err)
			os.Exit(1)
		}
		printGroups(os.Stdout, groups, ticketIndex(snap), verbose)
	},
}

func printAnalysis(result *quality.AnalysisResult) {
	green := color.New(color.FgGreen).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Printf("%s Analysis complete in %s\n\n", green("✓"), result.Duration.Round(time.Millisecond))

	if result.Filter.Enabled {
		fmt.Printf("%s\n", bold("Site filter"))
		fmt.Printf("  Kept %d of %d tickets (%d removed from %d sites)\n\n",
			result.Filter.Kept, result.Filter.Original, result.Filter.Removed, result.Filter.SitesRemoved)
	}

	c := result.Clustering
	fmt.Printf("%s\n", bold("Clustering"))
	fmt.Printf("  Tickets: %d across %d sites (%d inactive skipped)\n", c.TicketsConsidered, c.Sites, c.InactiveSkipped)
	fmt.Printf("  Comparisons: %d, edges: %d\n", c.ComparisonsMade, c.Edges)
	fmt.Printf("  Groups: %d covering %d tickets\n\n", c.GroupCount, c.GroupedTickets)

	if r := result.Reconcile; r != nil {
		fmt.Printf("%s\n", bold("Groups"))
		fmt.Printf("  New: %d  Refreshed: %d  Re-offered: %d  Unchanged: %d  Dropped: %d\n",
			len(r.Created), len(r.Refreshed), len(r.Reoffered), len(r.Unchanged), len(r.Dropped))
		if len(r.Blocked) > 0 {
			fmt.Printf("  %s %d group(s) overlap an open group and were not stored\n",
				color.YellowString("Blocked:"), len(r.Blocked))
		}
		fmt.Println()
	}

	fmt.Printf("%s\n", bold("Pending review"))
	printGroups(os.Stdout, result.Pending, nil, false)
}

func init() {
	analyzeCmd.Flags().Bool("json", false, "Output as JSON")

	groupsCmd.Flags().StringSlice("status", nil, "Group status to list (pending, skipped, merged, dismissed)")
	groupsCmd.Flags().StringSlice("site", nil, "Only groups of these sites")
	groupsCmd.Flags().String("ticket", "", "Only groups containing this ticket")
	groupsCmd.Flags().BoolP("verbose", "v", false, "Show member tickets and evidence")
	groupsCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(groupsCmd)
}
