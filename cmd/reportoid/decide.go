package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/types"
)

var mergeCmd = &cobra.Command{
	Use:   "merge GROUP_ID",
	Short: "Merge the tickets of a pending duplicate group",
	Long: `Merge tickets of a pending group into a primary ticket.

The primary keeps the earliest creation time and the highest priority of the
merged tickets, and its description is combined with theirs. The other
included tickets are deactivated. Members left out with --include stay
available for review.

Examples:
  reportoid merge dg-4f1c0a2b9e7d3c51 --primary INC001
  reportoid merge dg-4f1c0a2b9e7d3c51 --primary INC001 --include INC001,INC002 --notes "same outage"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		primary, _ := cmd.Flags().GetString("primary")
		include, _ := cmd.Flags().GetStringSlice("include")
		notes, _ := cmd.Flags().GetString("notes")

		d := types.MergeDecision{GroupID: args[0], PrimaryID: primary, Included: include, Notes: notes, User: actor}
		if len(d.Included) == 0 {
			group, err := store.GetGroup(context.Background(), d.GroupID)
			if err != nil {
				exitDecision(err)
			}
			d.Included = group.Members
		}
		runDecision("Merged", func(ctx context.Context) (*merge.Result, error) {
			return engine.Merge(ctx, d)
		})
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss GROUP_ID",
	Short: "Record that a group's tickets are not duplicates",
	Long: `Dismiss a pending group. The tickets stay active and the group is never
offered again. Notes are required.

Examples:
  reportoid dismiss dg-4f1c0a2b9e7d3c51 --notes "different printers"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetString("notes")
		d := types.DismissDecision{GroupID: args[0], Notes: notes, User: actor}
		runDecision("Dismissed", func(ctx context.Context) (*merge.Result, error) {
			return engine.Dismiss(ctx, d)
		})
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip GROUP_ID",
	Short: "Defer a group to the next analysis pass",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		d := types.SkipDecision{GroupID: args[0], User: actor}
		runDecision("Skipped", func(ctx context.Context) (*merge.Result, error) {
			return engine.Skip(ctx, d)
		})
	},
}

var reverseCmd = &cobra.Command{
	Use:   "reverse ENTRY_ID",
	Short: "Undo a merge, dismissal or correction",
	Long: `Reverse a decision recorded in the audit trail.

The affected tickets are restored to the state recorded before the decision
and a reversal entry is appended. Reversal is refused if any of the tickets
changed after the decision, or if the entry was already reversed.

Examples:
  reportoid reverse 42 --notes "merged the wrong store"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetString("notes")
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid audit entry id %q\n", args[0])
			os.Exit(1)
		}
		d := types.ReversalDecision{EntryID: id, Notes: notes, User: actor}
		runDecision("Reversed", func(ctx context.Context) (*merge.Result, error) {
			return engine.Reverse(ctx, d)
		})
	},
}

var correctCmd = &cobra.Command{
	Use:   "correct TICKET_ID",
	Short: "Correct a ticket's priority or category",
	Long: `Apply a manual correction to a ticket. The original attributes are kept
and the correction is recorded as a reversible audit entry.

Examples:
  reportoid correct INC003 --priority High --notes "caller reported wrong severity"
  reportoid correct INC007 --category Network --subcategory WAN`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetString("notes")
		correction, err := correctionFromFlags(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		d := types.CorrectionDecision{TicketID: args[0], Correction: correction, Notes: notes, User: actor}
		runDecision("Corrected", func(ctx context.Context) (*merge.Result, error) {
			return engine.Correct(ctx, d)
		})
	},
}

var autoProcessCmd = &cobra.Command{
	Use:   "auto-process",
	Short: "Merge every high confidence group",
	Long: `Merge each pending group whose confidence is at or above the high confidence
threshold. Every member is included and the earliest created ticket becomes
the primary.

Examples:
  reportoid auto-process --actor data-team`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()

		err := withWriterLock(func() error {
			res, err := engine.AutoProcess(ctx, actor)
			if err != nil {
				return err
			}
			if len(res.Decisions) == 0 {
				fmt.Printf("No groups at or above %.2f confidence\n", cfg.Review.HighConfidenceThreshold)
				return nil
			}
			printBatch(os.Stdout, res)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: auto-processing failed: %v\n", err)
			os.Exit(1)
		}
	},
}

// runDecision applies one decision under the writer lock and prints the
// outcome.
func runDecision(verb string, apply func(ctx context.Context) (*merge.Result, error)) {
	ctx, cancel := commandContext()
	defer cancel()

	var res *merge.Result
	err := withWriterLock(func() error {
		var err error
		res, err = apply(ctx)
		return err
	})
	if err != nil {
		exitDecision(err)
	}
	printDecision(os.Stdout, verb, res)
}

func exitDecision(err error) {
	fmt.Fprintf(os.Stderr, "Error: decision rejected (%s): %v\n", types.ErrorKindOf(err), err)
	os.Exit(1)
}

func correctionFromFlags(cmd *cobra.Command) (types.Correction, error) {
	var c types.Correction
	if cmd.Flags().Changed("priority") {
		raw, _ := cmd.Flags().GetString("priority")
		p, err := types.ParsePriority(raw)
		if err != nil {
			return c, err
		}
		c.Priority = &p
	}
	if cmd.Flags().Changed("category") {
		v, _ := cmd.Flags().GetString("category")
		c.Category = &v
	}
	if cmd.Flags().Changed("subcategory") {
		v, _ := cmd.Flags().GetString("subcategory")
		c.Subcategory = &v
	}
	return c, nil
}

func init() {
	mergeCmd.Flags().String("primary", "", "Ticket that absorbs the others (required)")
	mergeCmd.Flags().StringSlice("include", nil, "Members to merge, primary included (default: all members)")
	mergeCmd.Flags().String("notes", "", "Reviewer notes")
	_ = mergeCmd.MarkFlagRequired("primary")

	dismissCmd.Flags().String("notes", "", "Why the tickets are not duplicates (required)")
	reverseCmd.Flags().String("notes", "", "Reason for the reversal")

	correctCmd.Flags().String("priority", "", "New priority (Critical, High, Medium, Low or 1-4)")
	correctCmd.Flags().String("category", "", "New category")
	correctCmd.Flags().String("subcategory", "", "New subcategory")
	correctCmd.Flags().String("notes", "", "Reviewer notes")

	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(reverseCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(autoProcessCmd)
}
