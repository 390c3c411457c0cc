package storage

import (
	"context"
	"iter"
	"time"

	"github.com/atomoutput/reportoid/internal/types"
)

// Storage defines the interface for the quality engine's persistent state:
// immutable tickets with their mutable quality state, duplicate groups and
// the append-only audit trail.
//
// Lookups of missing records return a types.KindNotFound error. Store
// failures are reported as types.KindStorage.
type Storage interface {
	// Tickets
	IngestTickets(ctx context.Context, tickets []types.Ticket) (*IngestResult, error)
	GetTicket(ctx context.Context, id string) (*types.StoredTicket, error)
	ListTickets(ctx context.Context, filter types.TicketFilter) ([]*types.StoredTicket, error)

	// Duplicate groups
	GetGroup(ctx context.Context, id string) (*types.DuplicateGroup, error)
	ListGroups(ctx context.Context, filter types.GroupFilter) ([]*types.DuplicateGroup, error)
	ReconcileGroups(ctx context.Context, groups []*types.DuplicateGroup, opts ReconcileOptions) (*ReconcileResult, error)

	// Audit trail, newest first
	GetAuditEntry(ctx context.Context, id int64) (*types.AuditEntry, error)
	AuditHistory(ctx context.Context, filter types.AuditFilter) iter.Seq2[*types.AuditEntry, error]
	AuditStats(ctx context.Context, now time.Time) (*types.AuditStats, error)

	// Audit retention
	EvictAudit(ctx context.Context, policy types.RetentionPolicy, now time.Time) (*types.EvictionResult, error)
	EvictAuditEntry(ctx context.Context, id int64) error

	// RunInTx runs fn inside a single write transaction. Everything fn does
	// through tx commits together, or nothing does if fn returns an error.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx is the set of operations available inside a write transaction.
type Tx interface {
	GetTicket(ctx context.Context, id string) (*types.StoredTicket, error)
	PutTicketState(ctx context.Context, state types.TicketState) error

	GetGroup(ctx context.Context, id string) (*types.DuplicateGroup, error)
	SetGroupStatus(ctx context.Context, id string, status types.GroupStatus, at time.Time) error
	// DropOpenGroupsOverlapping deletes pending groups other than keepID that
	// share a member with members, returning the dropped IDs.
	DropOpenGroupsOverlapping(ctx context.Context, members []string, keepID string) ([]string, error)

	// AppendAudit writes a new entry and returns its ID. A reversal entry
	// must reference an existing reversible entry.
	AppendAudit(ctx context.Context, entry *types.AuditEntry) (int64, error)
	GetAuditEntry(ctx context.Context, id int64) (*types.AuditEntry, error)
	// MarkReversed clears the reversible flag of id and records the
	// reversal entry that undid it.
	MarkReversed(ctx context.Context, id, reversalID int64) error
}

// IngestResult reports the outcome of a ticket ingestion
type IngestResult struct {
	// Inserted lists tickets stored for the first time
	Inserted []string `json:"inserted"`

	// Unchanged lists tickets that were already stored with identical attributes
	Unchanged []string `json:"unchanged"`

	// Conflicts lists tickets already stored with different attributes.
	// Stored tickets are immutable, so these were not modified.
	Conflicts []string `json:"conflicts,omitempty"`
}

// ReconcileOptions controls how a clustering pass is merged into the
// stored groups.
type ReconcileOptions struct {
	// Sites limits reconciliation to groups of these sites. Empty means
	// the sites of the incoming groups only.
	Sites []string

	// DropStale deletes pending groups in scope that the pass did not
	// reproduce. Full analysis passes set it; targeted re-clustering
	// after a partial merge does not.
	DropStale bool

	// Now stamps created and updated times.
	Now time.Time
}

// ReconcileResult reports what a reconciliation changed, by group ID.
type ReconcileResult struct {
	// Created are new pending groups
	Created []string `json:"created"`

	// Refreshed are pending groups whose confidence and evidence were updated
	Refreshed []string `json:"refreshed"`

	// Reoffered are skipped groups returned to pending
	Reoffered []string `json:"reoffered"`

	// Unchanged are merged or dismissed groups, which are never re-offered
	Unchanged []string `json:"unchanged"`

	// Blocked are new groups not stored because a member already belongs
	// to another open group
	Blocked []string `json:"blocked,omitempty"`

	// Dropped are stale pending groups deleted
	Dropped []string `json:"dropped,omitempty"`
}
