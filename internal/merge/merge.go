package merge

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// descriptionTimeLayout prefixes each merged description with its
// ticket's creation time.
const descriptionTimeLayout = "2006-01-02 15:04"

// Merge folds the included tickets of a pending group into the primary.
//
// The primary keeps its ID and takes the combined description, the
// earliest creation time and the most severe priority of the included
// tickets. Every other included ticket is deactivated and points at the
// primary. Members left out are untouched and remain eligible for a later
// analysis pass. The group is closed as merged either way.
func (e *Engine) Merge(ctx context.Context, d types.MergeDecision) (*Result, error) {
	if err := requireUser(d.User); err != nil {
		return nil, err
	}
	included := uniqueSorted(d.Included)
	if len(included) < 2 {
		return nil, types.ValidationError("a merge needs at least two included tickets (got %d)", len(included))
	}
	if !slices.Contains(included, d.PrimaryID) {
		return nil, types.ValidationError("primary ticket %q is not among the included tickets", d.PrimaryID)
	}

	var res *Result
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		g, err := tx.GetGroup(ctx, d.GroupID)
		if err != nil {
			return err
		}
		if g.Status != types.GroupPending {
			return types.ConflictError("group %s is %s, not pending", g.ID, g.Status)
		}
		for _, id := range included {
			if !g.HasMember(id) {
				return types.ValidationError("ticket %s is not a member of group %s", id, g.ID)
			}
		}

		tickets, err := loadActive(ctx, tx, included)
		if err != nil {
			return err
		}
		prior := cloneStates(tickets)
		post := mergedStates(tickets, d.PrimaryID)
		if err := putStates(ctx, tx, post); err != nil {
			return err
		}

		now := e.now().UTC()
		if err := tx.SetGroupStatus(ctx, g.ID, types.GroupMerged, now); err != nil {
			return err
		}

		var excluded []string
		for _, m := range g.Members {
			if !slices.Contains(included, m) {
				excluded = append(excluded, m)
			}
		}

		entry := &types.AuditEntry{
			Timestamp:   now,
			Action:      types.ActionMerge,
			User:        d.User,
			Tickets:     included,
			Description: fmt.Sprintf("Merged %d tickets into %s", len(included), d.PrimaryID),
			Reversible:  true,
			Metadata: types.AuditMetadata{
				GroupID:          g.ID,
				Confidence:       g.Confidence,
				Breakdown:        g.Evidence,
				PrimaryID:        d.PrimaryID,
				Included:         included,
				Excluded:         excluded,
				Notes:            d.Notes,
				PriorGroupStatus: g.Status,
				PriorStates:      prior,
				PostStates:       post,
			},
		}
		if len(excluded) > 0 {
			entry.Description += fmt.Sprintf(" (partial, %d excluded)", len(excluded))
		}
		if _, err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		res = &Result{
			Entry:       entry,
			GroupID:     g.ID,
			GroupStatus: types.GroupMerged,
			Tickets:     ticketIDs(post),
			Excluded:    excluded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("merge applied",
		"group", res.GroupID,
		"primary", d.PrimaryID,
		"included", len(included),
		"excluded", len(res.Excluded),
		"entry", res.Entry.ID,
		"user", d.User)
	return res, nil
}

// mergedStates computes the post-merge state of every included ticket.
func mergedStates(tickets []*types.StoredTicket, primaryID string) []types.TicketState {
	ordered := slices.Clone(tickets)
	slices.SortFunc(ordered, func(a, b *types.StoredTicket) int {
		return cmp.Or(a.Original.Created.Compare(b.Original.Created), cmp.Compare(a.Original.ID, b.Original.ID))
	})

	var (
		parts    []string
		earliest = ordered[0].Effective().Created
		priority = types.PriorityUnknown
	)
	for _, st := range ordered {
		eff := st.Effective()
		if st.State.Overrides.Description != nil {
			// Already a combined description from an earlier merge
			parts = append(parts, strings.TrimSpace(eff.Description))
		} else {
			prefix := "[" + st.Original.Created.UTC().Format(descriptionTimeLayout) + "]"
			parts = append(parts, strings.TrimSpace(prefix+" "+eff.Description))
		}
		if eff.Created.Before(earliest) {
			earliest = eff.Created
		}
		priority = types.MaxPriority(priority, eff.Priority)
	}
	description := strings.Join(parts, "\n")

	post := make([]types.TicketState, 0, len(tickets))
	for _, st := range tickets {
		s := st.State.Clone()
		s.ReviewStatus = types.ReviewMerged
		if st.Original.ID == primaryID {
			s.Overrides.Description = &description
			created := earliest.UTC()
			s.Overrides.Created = &created
			p := priority
			s.Overrides.Priority = &p
		} else {
			s.IsActive = false
			s.MergedInto = primaryID
		}
		post = append(post, s)
	}
	return post
}

// Dismiss records that a pending group's members are not duplicates.
// Notes are mandatory.
func (e *Engine) Dismiss(ctx context.Context, d types.DismissDecision) (*Result, error) {
	if err := requireUser(d.User); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Notes) == "" {
		return nil, types.ValidationError("dismissing group %s requires notes explaining why its tickets are not duplicates", d.GroupID)
	}

	var res *Result
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		g, err := tx.GetGroup(ctx, d.GroupID)
		if err != nil {
			return err
		}
		if g.Status != types.GroupPending {
			return types.ConflictError("group %s is %s, not pending", g.ID, g.Status)
		}

		tickets, err := loadActive(ctx, tx, g.Members)
		if err != nil {
			return err
		}
		prior := cloneStates(tickets)
		post := cloneStates(tickets)
		for i := range post {
			post[i].ReviewStatus = types.ReviewDismissed
		}
		if err := putStates(ctx, tx, post); err != nil {
			return err
		}

		now := e.now().UTC()
		if err := tx.SetGroupStatus(ctx, g.ID, types.GroupDismissed, now); err != nil {
			return err
		}

		entry := &types.AuditEntry{
			Timestamp:   now,
			Action:      types.ActionDismiss,
			User:        d.User,
			Tickets:     g.Members,
			Description: fmt.Sprintf("Dismissed group %s (%d tickets) as not duplicates", g.ID, len(g.Members)),
			Reversible:  true,
			Metadata: types.AuditMetadata{
				GroupID:          g.ID,
				Confidence:       g.Confidence,
				Breakdown:        g.Evidence,
				Notes:            d.Notes,
				PriorGroupStatus: g.Status,
				PriorStates:      prior,
				PostStates:       post,
			},
		}
		if _, err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		res = &Result{
			Entry:       entry,
			GroupID:     g.ID,
			GroupStatus: types.GroupDismissed,
			Tickets:     ticketIDs(post),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("dismiss applied", "group", res.GroupID, "entry", res.Entry.ID, "user", d.User)
	return res, nil
}

// Skip defers a pending group. No ticket changes and no audit entry is
// written; the next analysis pass offers the group again.
func (e *Engine) Skip(ctx context.Context, d types.SkipDecision) (*Result, error) {
	if err := requireUser(d.User); err != nil {
		return nil, err
	}

	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		g, err := tx.GetGroup(ctx, d.GroupID)
		if err != nil {
			return err
		}
		if g.Status != types.GroupPending {
			return types.ConflictError("group %s is %s, not pending", g.ID, g.Status)
		}
		return tx.SetGroupStatus(ctx, g.ID, types.GroupSkipped, e.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("group skipped", "group", d.GroupID, "user", d.User)
	return &Result{GroupID: d.GroupID, GroupStatus: types.GroupSkipped, Tickets: []string{}}, nil
}
