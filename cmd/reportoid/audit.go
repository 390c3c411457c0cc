package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit trail",
	Long:  `Commands for reading, exporting and trimming the append-only audit trail.`,
}

var auditHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show audit entries, newest first",
	Long: `Show audit entries, newest first.

Examples:
  reportoid audit history
  reportoid audit history --ticket INC001
  reportoid audit history --action merge --action reversal --since 2024-01-01
  reportoid audit history --user alice --limit 20 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		filter, err := auditFilterFromFlags(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := commandContext()
		defer cancel()

		var entries []*types.AuditEntry
		for entry, err := range engine.History(ctx, filter) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read audit trail: %v\n", err)
				os.Exit(1)
			}
			entries = append(entries, entry)
		}

		if asJSON {
			if entries == nil {
				entries = []*types.AuditEntry{}
			}
			if err := writeJSON(os.Stdout, entries); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries")
			return
		}
		for _, e := range entries {
			printAuditEntry(os.Stdout, e)
		}
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show ENTRY_ID",
	Short: "Show one audit entry with its metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid audit entry id %q\n", args[0])
			os.Exit(1)
		}
		entry, err := engine.Entry(context.Background(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := writeJSON(os.Stdout, entry); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit trail as CSV or JSON",
	Long: `Export audit entries as a flat table.

Examples:
  reportoid audit export > audit.csv
  reportoid audit export --format json --output audit.json
  reportoid audit export --since 2024-03-01 --until 2024-04-01`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		filter, err := auditFilterFromFlags(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := commandContext()
		defer cancel()

		export, err := engine.Export(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
			os.Exit(1)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", output, err)
				os.Exit(1)
			}
			defer f.Close()
			w = f
		}
		if err := writeExport(w, export, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if output != "" {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Exported %d entries to %s\n", green("✓"), len(export.Rows), output)
		}
	},
}

var auditEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove old audit entries",
	Long: `Remove audit entries according to the retention policy.

Entries older than the retention period go first, then entries outside the
newest maximum count, oldest first. Entries that a reversal refers to are
kept while the reversal exists, so the trail can stay above the maximum.

Examples:
  reportoid audit evict
  reportoid audit evict --vacuum
  reportoid audit evict --entry 17`,
	Run: func(cmd *cobra.Command, args []string) {
		entryID, _ := cmd.Flags().GetInt64("entry")
		vacuum, _ := cmd.Flags().GetBool("vacuum")

		ctx, cancel := commandContext()
		defer cancel()

		green := color.New(color.FgGreen).SprintFunc()
		err := withWriterLock(func() error {
			if entryID > 0 {
				if err := engine.EvictEntry(ctx, entryID); err != nil {
					return err
				}
				fmt.Printf("%s Evicted audit entry %d\n", green("✓"), entryID)
			} else {
				fmt.Printf("Applying retention policy (%s)...\n", cfg.Audit)
				res, err := engine.Evict(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s Evicted %d entries (%d by age, %d by count)\n",
					green("✓"), res.Total(), res.ByAge, res.ByCount)
				fmt.Printf("  Protected: %d  Remaining: %d\n", res.Protected, res.Remaining)
			}

			if !vacuum {
				return nil
			}
			v, ok := store.(interface{ Vacuum(context.Context) error })
			if !ok {
				return fmt.Errorf("storage does not support vacuum")
			}
			fmt.Println("Running VACUUM to reclaim disk space...")
			if err := v.Vacuum(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Database compacted\n", green("✓"))
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: eviction failed (%s): %v\n", types.ErrorKindOf(err), err)
			os.Exit(1)
		}
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the audit trail",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		stats, err := engine.AuditStats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if asJSON {
			if err := writeJSON(os.Stdout, stats); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s\n", bold("Audit trail"))
		fmt.Printf("  Entries:        %d\n", stats.TotalEntries)
		fmt.Printf("  Last 7 days:    %d\n", stats.RecentEntries)
		fmt.Printf("  Reversed:       %d\n", stats.ReversedEntries)
		if stats.OldestEntry != nil {
			fmt.Printf("  Oldest:         %s\n", stats.OldestEntry.Format(time.RFC3339))
			fmt.Printf("  Newest:         %s\n", stats.NewestEntry.Format(time.RFC3339))
		}
		fmt.Printf("\n%s\n", bold("By action"))
		for _, kind := range types.AllActionKinds() {
			fmt.Printf("  %-18s %d\n", kind, stats.EntriesByAction[kind])
		}
		if len(stats.EntriesByUser) > 0 {
			fmt.Printf("\n%s\n", bold("By user"))
			for user, n := range sortedCounts(stats.EntriesByUser) {
				fmt.Printf("  %-18s %d\n", user, n)
			}
		}
	},
}

func printAuditEntry(w io.Writer, e *types.AuditEntry) {
	marker := " "
	switch {
	case e.IsReversed():
		marker = color.New(color.FgHiBlack).Sprint("↺")
	case e.Reversible:
		marker = color.GreenString("•")
	}
	fmt.Fprintf(w, "%s %5d  %s  %-17s %-12s %s\n",
		marker, e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.User, e.Description)
	if len(e.Tickets) > 0 {
		fmt.Fprintf(w, "         tickets: %s\n", strings.Join(e.Tickets, ", "))
	}
	if e.Metadata.Notes != "" {
		fmt.Fprintf(w, "         notes: %s\n", e.Metadata.Notes)
	}
}

// writeExport writes export as "csv" or "json".
func writeExport(w io.Writer, export *storage.AuditExport, format string) error {
	switch strings.ToLower(format) {
	case "", "csv":
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(export.Records()); err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
		return nil
	case "json":
		return writeJSON(w, export)
	}
	return fmt.Errorf("unsupported export format %q (csv or json)", format)
}

func auditFilterFromFlags(cmd *cobra.Command) (types.AuditFilter, error) {
	var f types.AuditFilter
	f.TicketID, _ = cmd.Flags().GetString("ticket")
	f.User, _ = cmd.Flags().GetString("user")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	actions, _ := cmd.Flags().GetStringSlice("action")
	for _, a := range actions {
		kind := types.ActionKind(a)
		if !kind.IsValid() {
			return f, fmt.Errorf("invalid action %q", a)
		}
		f.Kinds = append(f.Kinds, kind)
	}

	var err error
	since, _ := cmd.Flags().GetString("since")
	if f.Since, err = parseDate(since); err != nil {
		return f, fmt.Errorf("invalid --since: %w", err)
	}
	until, _ := cmd.Flags().GetString("until")
	if f.Until, err = parseDate(until); err != nil {
		return f, fmt.Errorf("invalid --until: %w", err)
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. An empty string
// is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.Local)
}

func addAuditFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("ticket", "", "Only entries affecting this ticket")
	cmd.Flags().String("user", "", "Only entries by this user")
	cmd.Flags().StringSlice("action", nil, "Only these actions (merge, dismiss, manual_correction, reversal)")
	cmd.Flags().String("since", "", "Only entries at or after this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("until", "", "Only entries before this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().Int("limit", 0, "Maximum number of entries (0 for all)")
}

func init() {
	addAuditFilterFlags(auditHistoryCmd)
	auditHistoryCmd.Flags().Bool("json", false, "Output as JSON")

	addAuditFilterFlags(auditExportCmd)
	auditExportCmd.Flags().String("format", "csv", "Export format: csv or json")
	auditExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	auditEvictCmd.Flags().Int64("entry", 0, "Evict only this entry")
	auditEvictCmd.Flags().Bool("vacuum", false, "Run VACUUM afterwards to reclaim disk space")

	auditStatsCmd.Flags().Bool("json", false, "Output as JSON")

	auditCmd.AddCommand(auditHistoryCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditEvictCmd)
	auditCmd.AddCommand(auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}
