package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/quality"
	"github.com/atomoutput/reportoid/internal/types"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pending duplicate groups interactively",
	Long: `Walk through the pending duplicate groups, highest confidence first, and
decide each one.

Commands at the prompt:
  m [PRIMARY] [TICKET...]   merge (default primary: earliest created, default: all members)
  d NOTES                   dismiss as not duplicates
  s                         skip until the next analysis pass
  n                         leave pending and show the next group
  q                         quit

Examples:
  reportoid review
  reportoid review --site "Store 12"`,
	Run: func(cmd *cobra.Command, args []string) {
		sites, _ := cmd.Flags().GetStringSlice("site")

		ctx, cancel := commandContext()
		defer cancel()

		err := withWriterLock(func() error {
			return runReview(ctx, sites)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: review failed: %v\n", err)
			os.Exit(1)
		}
	},
}

// reviewAction is what the reviewer asked for at the prompt.
type reviewAction int

const (
	reviewDecide reviewAction = iota
	reviewNext
	reviewQuit
	reviewHelp
)

var errReviewUsage = errors.New("unknown command (m, d, s, n, q or ?)")

func runReview(ctx context.Context, sites []string) error {
	groups, err := engine.Groups(ctx, types.GroupFilter{
		Statuses: []types.GroupStatus{types.GroupPending},
		SiteIDs:  sites,
	})
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No pending duplicate groups")
		return nil
	}
	snap, err := engine.Refresh(ctx)
	if err != nil {
		return err
	}
	tickets := ticketIndex(snap)

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("review> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	red := color.New(color.FgRed).SprintFunc()
	fmt.Printf("%d pending group(s). Type ? for help.\n\n", len(groups))
	for i, g := range groups {
		fmt.Printf("[%d/%d] ", i+1, len(groups))
		printGroups(os.Stdout, []quality.GroupView{g}, tickets, true)

		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			decision, action, err := parseReviewCommand(line, g, tickets, actor)
			if err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				continue
			}
			switch action {
			case reviewQuit:
				return nil
			case reviewNext:
			case reviewHelp:
				fmt.Println("m [PRIMARY] [TICKET...] | d NOTES | s | n | q")
				continue
			case reviewDecide:
				res, err := engine.Apply(ctx, []types.Decision{decision})
				if err != nil {
					return err
				}
				printBatch(os.Stdout, res)
				if res.Applied == 0 {
					continue
				}
			}
			break
		}
		fmt.Println()
	}
	fmt.Println("All pending groups reviewed")
	return nil
}

// parseReviewCommand turns a prompt line into a decision on g.
func parseReviewCommand(line string, g quality.GroupView, tickets map[string]types.Ticket, user string) (types.Decision, reviewAction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, reviewHelp, nil
	}

	switch strings.ToLower(fields[0]) {
	case "q", "quit", "exit":
		return nil, reviewQuit, nil
	case "n", "next":
		return nil, reviewNext, nil
	case "?", "h", "help":
		return nil, reviewHelp, nil
	case "s", "skip":
		return types.SkipDecision{GroupID: g.ID, User: user}, reviewDecide, nil
	case "d", "dismiss":
		notes := strings.TrimSpace(strings.Join(fields[1:], " "))
		if notes == "" {
			return nil, reviewDecide, fmt.Errorf("dismissal needs notes: d NOTES")
		}
		return types.DismissDecision{GroupID: g.ID, Notes: notes, User: user}, reviewDecide, nil
	case "m", "merge":
		d := types.MergeDecision{GroupID: g.ID, User: user}
		if len(fields) > 1 {
			d.PrimaryID = fields[1]
		} else {
			d.PrimaryID = earliestMember(g, tickets)
		}
		if len(fields) > 2 {
			d.Included = append([]string{d.PrimaryID}, fields[2:]...)
		} else {
			d.Included = slices.Clone(g.Members)
		}
		if !g.HasMember(d.PrimaryID) {
			return nil, reviewDecide, fmt.Errorf("%s is not a member of %s", d.PrimaryID, g.ID)
		}
		return d, reviewDecide, nil
	}
	return nil, reviewDecide, errReviewUsage
}

// earliestMember returns the member created first, by ID on ties.
// Members missing from tickets sort last.
func earliestMember(g quality.GroupView, tickets map[string]types.Ticket) string {
	best := ""
	for _, id := range g.Members {
		t, ok := tickets[id]
		if !ok {
			continue
		}
		if best == "" {
			best = id
			continue
		}
		b := tickets[best]
		if t.Created.Before(b.Created) || (t.Created.Equal(b.Created) && id < best) {
			best = id
		}
	}
	if best == "" && len(g.Members) > 0 {
		best = g.Members[0]
	}
	return best
}

func init() {
	reviewCmd.Flags().StringSlice("site", nil, "Only review groups of these sites")
	rootCmd.AddCommand(reviewCmd)
}
