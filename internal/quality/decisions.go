package quality

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/reprocess"
	"github.com/atomoutput/reportoid/internal/types"
)

// Apply runs a batch of decisions through the reprocessing pipeline and
// publishes the resulting snapshot.
func (e *Engine) Apply(ctx context.Context, decisions []types.Decision) (*reprocess.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.pipeline.ApplyPending(ctx, decisions)
	if err != nil {
		return nil, err
	}
	// The batch is committed; publish it even if ctx was cancelled.
	if _, err := e.publish(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return res, nil
}

// applyOne runs a single decision as a batch and returns its error, if
// any, unchanged.
func (e *Engine) applyOne(ctx context.Context, d types.Decision) (*merge.Result, error) {
	res, err := e.Apply(ctx, []types.Decision{d})
	if err != nil {
		return nil, err
	}
	dr := res.Decisions[0]
	switch dr.Status {
	case reprocess.StatusApplied:
		return dr.Result, nil
	case reprocess.StatusCancelled:
		return nil, ctx.Err()
	}
	return nil, dr.Err
}

// Merge merges tickets of a pending group. See merge.Engine.Merge.
func (e *Engine) Merge(ctx context.Context, d types.MergeDecision) (*merge.Result, error) {
	return e.applyOne(ctx, d)
}

// Dismiss closes a pending group as not duplicates.
func (e *Engine) Dismiss(ctx context.Context, d types.DismissDecision) (*merge.Result, error) {
	return e.applyOne(ctx, d)
}

// Skip defers a pending group to the next analysis pass.
func (e *Engine) Skip(ctx context.Context, d types.SkipDecision) (*merge.Result, error) {
	return e.applyOne(ctx, d)
}

// Reverse undoes a reversible audit entry.
func (e *Engine) Reverse(ctx context.Context, d types.ReversalDecision) (*merge.Result, error) {
	return e.applyOne(ctx, d)
}

// Correct applies a manual correction to a ticket.
func (e *Engine) Correct(ctx context.Context, d types.CorrectionDecision) (*merge.Result, error) {
	return e.applyOne(ctx, d)
}

// AutoProcess merges every pending group at or above the high confidence
// threshold. Each group is merged whole into its earliest created member.
func (e *Engine) AutoProcess(ctx context.Context, user string) (*reprocess.Result, error) {
	if strings.TrimSpace(user) == "" {
		return nil, types.ValidationError("auto-processing requires the acting user")
	}

	decisions, err := e.autoDecisions(ctx, user)
	if err != nil {
		return nil, err
	}
	e.logger.Info("auto-processing high confidence groups",
		"groups", len(decisions),
		"threshold", e.cfg.Review.HighConfidenceThreshold,
		"user", user)
	return e.Apply(ctx, decisions)
}

func (e *Engine) autoDecisions(ctx context.Context, user string) ([]types.Decision, error) {
	groups, err := e.Groups(ctx, types.GroupFilter{Statuses: []types.GroupStatus{types.GroupPending}})
	if err != nil {
		return nil, err
	}

	threshold := e.cfg.Review.HighConfidenceThreshold
	decisions := make([]types.Decision, 0)
	for _, g := range groups {
		if g.Flag != types.FlagHighConfidence {
			continue
		}
		members, err := e.store.ListTickets(ctx, types.TicketFilter{IDs: g.Members})
		if err != nil {
			return nil, err
		}
		if len(members) != len(g.Members) {
			return nil, types.NotFoundError("group %s references tickets that are not stored", g.ID)
		}
		primary := slices.MinFunc(members, func(a, b *types.StoredTicket) int {
			return cmp.Or(a.Effective().Created.Compare(b.Effective().Created), cmp.Compare(a.Original.ID, b.Original.ID))
		})
		decisions = append(decisions, types.MergeDecision{
			GroupID:   g.ID,
			PrimaryID: primary.Original.ID,
			Included:  slices.Clone(g.Members),
			Notes:     fmt.Sprintf("Auto-processed: confidence %.3f at or above %.2f", g.Confidence, threshold),
			User:      user,
		})
	}
	return decisions, nil
}
