package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/quality"
	"github.com/atomoutput/reportoid/internal/reprocess"
	"github.com/atomoutput/reportoid/internal/types"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func flagLabel(flag types.ConfidenceFlag) string {
	switch flag {
	case types.FlagHighConfidence:
		return color.GreenString("high confidence")
	case types.FlagNeedsManualReview:
		return color.YellowString("needs review")
	}
	return color.New(color.FgHiBlack).Sprint("low confidence")
}

func statusLabel(status types.GroupStatus) string {
	switch status {
	case types.GroupPending:
		return color.CyanString(string(status))
	case types.GroupMerged:
		return color.GreenString(string(status))
	case types.GroupDismissed:
		return color.New(color.FgHiBlack).Sprint(string(status))
	}
	return color.YellowString(string(status))
}

// printGroups writes one line per group, then its members when verbose.
func printGroups(w io.Writer, groups []quality.GroupView, tickets map[string]types.Ticket, verbose bool) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No duplicate groups")
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	for _, g := range groups {
		fmt.Fprintf(w, "%s  %-10s %.3f  %-20s site=%s  members=%d\n",
			bold(g.ID), statusLabel(g.Status), g.Confidence, flagLabel(g.Flag), g.SiteID, len(g.Members))
		if !verbose {
			continue
		}
		for _, id := range g.Members {
			t, ok := tickets[id]
			if !ok {
				fmt.Fprintf(w, "    %s (not loaded)\n", id)
				continue
			}
			fmt.Fprintf(w, "    %-12s %s  %-14s %s\n",
				t.ID, t.Created.Format("2006-01-02 15:04"), t.Priority.Label(), truncate(t.Description, 60))
		}
		for _, e := range g.Evidence {
			fmt.Fprintf(w, "    %s ~ %s  total=%.3f description=%.3f date=%.3f priority=%.3f\n",
				e.A, e.B, e.Score.Total, e.Score.Description, e.Score.Date, e.Score.Priority)
		}
	}
}

func printDecision(w io.Writer, verb string, res *merge.Result) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(w, "%s %s", green("✓"), verb)
	if res.GroupID != "" {
		fmt.Fprintf(w, " group %s (%s)", res.GroupID, res.GroupStatus)
	}
	fmt.Fprintln(w)
	if res.Entry != nil {
		fmt.Fprintf(w, "  Audit entry: %d\n", res.Entry.ID)
	}
	if len(res.Tickets) > 0 {
		fmt.Fprintf(w, "  Tickets: %s\n", strings.Join(res.Tickets, ", "))
	}
	if len(res.Excluded) > 0 {
		fmt.Fprintf(w, "  Left for review: %s\n", strings.Join(res.Excluded, ", "))
	}
	if len(res.DroppedGroups) > 0 {
		fmt.Fprintf(w, "  Dropped overlapping groups: %s\n", strings.Join(res.DroppedGroups, ", "))
	}
}

// printBatch summarises a pipeline batch, one line per decision.
func printBatch(w io.Writer, res *reprocess.Result) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, d := range res.Decisions {
		switch d.Status {
		case reprocess.StatusApplied:
			fmt.Fprintf(w, "%s %s\n", green("✓"), d.Decision)
		case reprocess.StatusRejected:
			fmt.Fprintf(w, "%s %s: %s (%s)\n", yellow("✗"), d.Decision, d.Reason, d.Kind)
		case reprocess.StatusFailed:
			fmt.Fprintf(w, "%s %s: %s\n", red("✗"), d.Decision, d.Reason)
		default:
			fmt.Fprintf(w, "- %s: %s\n", d.Decision, d.Status)
		}
		if len(d.Regrouped) > 0 {
			fmt.Fprintf(w, "    regrouped: %s\n", strings.Join(d.Regrouped, ", "))
		}
	}
	fmt.Fprintf(w, "\nBatch %s: %d applied, %d rejected, %d failed, %d cancelled\n",
		res.BatchID, res.Applied, res.Rejected, res.Failed, res.Cancelled)
	if res.Changes.StatsChanged {
		fmt.Fprintf(w, "Statistics changed for %d site(s), %d ticket(s)\n",
			len(res.Changes.Sites), len(res.Changes.Tickets))
	}
}

func ticketIndex(snap *quality.Snapshot) map[string]types.Ticket {
	out := make(map[string]types.Ticket)
	if snap == nil {
		return out
	}
	for _, t := range snap.Tickets {
		out[t.ID] = t
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
