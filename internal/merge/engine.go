// Package merge applies review decisions to duplicate groups and tickets.
//
// Every decision that changes ticket state runs in one storage
// transaction together with the audit entry that records it, so either
// both are visible or neither is. Audit entries carry the complete ticket
// state before and after the decision, which is what Reverse restores.
package merge

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// Engine applies merge, dismiss, skip, correction and reversal decisions.
// It is safe for concurrent use; serialization of writers is left to the
// storage transaction.
type Engine struct {
	store  storage.Storage
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine writing through store.
func New(store storage.Storage, opts ...Option) *Engine {
	e := &Engine{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes what a decision changed.
type Result struct {
	// Entry is the audit entry written, nil for a skip.
	Entry *types.AuditEntry `json:"entry,omitempty"`

	// GroupID and GroupStatus describe the group after the decision.
	GroupID     string            `json:"group_id,omitempty"`
	GroupStatus types.GroupStatus `json:"group_status,omitempty"`

	// Tickets lists the tickets whose state changed, sorted.
	Tickets []string `json:"tickets"`

	// Excluded lists group members left out of a partial merge.
	Excluded []string `json:"excluded,omitempty"`

	// DroppedGroups lists pending groups removed because a reversal
	// re-opened a group sharing their members.
	DroppedGroups []string `json:"dropped_groups,omitempty"`
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return types.ValidationError("a decision requires the acting user")
	}
	return nil
}

// loadActive reads the given tickets and fails with a conflict if any of
// them has already been merged away.
func loadActive(ctx context.Context, tx storage.Tx, ids []string) ([]*types.StoredTicket, error) {
	out := make([]*types.StoredTicket, 0, len(ids))
	for _, id := range ids {
		st, err := tx.GetTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if !st.State.IsActive {
			return nil, types.ConflictError("ticket %s was already merged into %s", id, st.State.MergedInto)
		}
		out = append(out, st)
	}
	return out, nil
}

// putStates writes the given states in order.
func putStates(ctx context.Context, tx storage.Tx, states []types.TicketState) error {
	for _, st := range states {
		if err := tx.PutTicketState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func ticketIDs(states []types.TicketState) []string {
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.TicketID
	}
	slices.Sort(ids)
	return ids
}

func cloneStates(tickets []*types.StoredTicket) []types.TicketState {
	out := make([]types.TicketState, len(tickets))
	for i, st := range tickets {
		out[i] = st.State.Clone()
	}
	return out
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
