package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// Reverse undoes a reversible audit entry.
//
// Every ticket the entry touched is restored to its recorded prior state,
// which reactivates merged tickets, clears merged_into and restores the
// review status. The entry's group, if any, returns to its prior status
// and pending groups that overlap it are dropped. A reversal entry
// referencing the original is appended and the original stops being
// reversible.
//
// If any ticket has changed since the entry was written, the reversal is
// refused with a conflict: later decisions must be reversed first.
func (e *Engine) Reverse(ctx context.Context, d types.ReversalDecision) (*Result, error) {
	if err := requireUser(d.User); err != nil {
		return nil, err
	}

	var res *Result
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		orig, err := tx.GetAuditEntry(ctx, d.EntryID)
		if err != nil {
			return err
		}
		if orig.IsReversed() {
			return types.ReferenceIntegrityError("audit entry %d was already reversed by entry %d", orig.ID, orig.ReversedBy)
		}
		if !orig.Reversible {
			return types.ReferenceIntegrityError("audit entry %d (%s) is not reversible", orig.ID, orig.Action)
		}
		meta := orig.Metadata
		if len(meta.PriorStates) == 0 || len(meta.PriorStates) != len(meta.PostStates) {
			return types.ReferenceIntegrityError("audit entry %d does not record the state needed to reverse it", orig.ID)
		}

		current := make([]types.TicketState, 0, len(meta.PostStates))
		for _, want := range meta.PostStates {
			st, err := tx.GetTicket(ctx, want.TicketID)
			if err != nil {
				return err
			}
			if !st.State.Equal(want) {
				return types.ConflictError("ticket %s changed after audit entry %d; reverse the later decisions first",
					want.TicketID, orig.ID)
			}
			current = append(current, st.State)
		}

		now := e.now().UTC()
		res = &Result{}

		if meta.GroupID != "" {
			g, err := tx.GetGroup(ctx, meta.GroupID)
			if err != nil {
				return err
			}
			if want := groupStatusAfter(orig.Action); want != "" && g.Status != want {
				return types.ConflictError("group %s is %s, expected %s", g.ID, g.Status, want)
			}
			restore := meta.PriorGroupStatus
			if restore == "" {
				restore = types.GroupPending
			}
			if err := tx.SetGroupStatus(ctx, g.ID, restore, now); err != nil {
				return err
			}
			dropped, err := tx.DropOpenGroupsOverlapping(ctx, g.Members, g.ID)
			if err != nil {
				return err
			}
			res.GroupID = g.ID
			res.GroupStatus = restore
			res.DroppedGroups = dropped
		}

		if err := putStates(ctx, tx, meta.PriorStates); err != nil {
			return err
		}

		entry := &types.AuditEntry{
			Timestamp:   now,
			Action:      types.ActionReversal,
			User:        d.User,
			Tickets:     orig.Tickets,
			Description: fmt.Sprintf("Reversed %s entry %d", strings.ReplaceAll(string(orig.Action), "_", " "), orig.ID),
			Reverses:    orig.ID,
			Metadata: types.AuditMetadata{
				GroupID:        meta.GroupID,
				PrimaryID:      meta.PrimaryID,
				Notes:          d.Notes,
				ReversedAction: orig.Action,
				PriorStates:    current,
				PostStates:     meta.PriorStates,
			},
		}
		if _, err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		if err := tx.MarkReversed(ctx, orig.ID, entry.ID); err != nil {
			return err
		}

		res.Entry = entry
		res.Tickets = ticketIDs(meta.PriorStates)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("reversal applied",
		"reversed_entry", d.EntryID,
		"entry", res.Entry.ID,
		"group", res.GroupID,
		"dropped_groups", len(res.DroppedGroups),
		"user", d.User)
	return res, nil
}

func groupStatusAfter(action types.ActionKind) types.GroupStatus {
	switch action {
	case types.ActionMerge:
		return types.GroupMerged
	case types.ActionDismiss:
		return types.GroupDismissed
	}
	return ""
}
