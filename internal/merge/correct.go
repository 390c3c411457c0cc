package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// Correct applies a manual fix to a ticket's priority or classification
// and records it as a reversible ManualCorrection entry.
func (e *Engine) Correct(ctx context.Context, d types.CorrectionDecision) (*Result, error) {
	if err := requireUser(d.User); err != nil {
		return nil, err
	}
	c := d.Correction
	if c.IsEmpty() {
		return nil, types.ValidationError("correction of %s changes nothing", d.TicketID)
	}
	if c.Priority != nil && (!c.Priority.IsValid() || *c.Priority == types.PriorityUnknown) {
		return nil, types.ValidationError("correction of %s: invalid priority %d", d.TicketID, int(*c.Priority))
	}

	var res *Result
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		st, err := tx.GetTicket(ctx, d.TicketID)
		if err != nil {
			return err
		}

		prior := st.State.Clone()
		post := st.State.Clone()
		var changes []string
		if c.Priority != nil {
			p := *c.Priority
			post.Overrides.Priority = &p
			changes = append(changes, "priority="+p.String())
		}
		if c.Category != nil {
			v := strings.TrimSpace(*c.Category)
			post.Overrides.Category = &v
			changes = append(changes, fmt.Sprintf("category=%q", v))
		}
		if c.Subcategory != nil {
			v := strings.TrimSpace(*c.Subcategory)
			post.Overrides.Subcategory = &v
			changes = append(changes, fmt.Sprintf("subcategory=%q", v))
		}
		if post.Equal(prior) {
			return types.ValidationError("correction of %s changes nothing", d.TicketID)
		}
		if err := tx.PutTicketState(ctx, post); err != nil {
			return err
		}

		entry := &types.AuditEntry{
			Timestamp:   e.now().UTC(),
			Action:      types.ActionManualCorrection,
			User:        d.User,
			Tickets:     []string{d.TicketID},
			Description: fmt.Sprintf("Corrected %s: %s", d.TicketID, strings.Join(changes, ", ")),
			Reversible:  true,
			Metadata: types.AuditMetadata{
				Notes:       d.Notes,
				Correction:  &c,
				PriorStates: []types.TicketState{prior},
				PostStates:  []types.TicketState{post},
			},
		}
		if _, err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		res = &Result{Entry: entry, Tickets: []string{d.TicketID}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("correction applied", "ticket", d.TicketID, "entry", res.Entry.ID, "user", d.User)
	return res, nil
}
