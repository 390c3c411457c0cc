package types

import (
	"strconv"
	"strings"
	"time"
)

// ActionKind names the decision an audit entry records.
type ActionKind string

const (
	ActionMerge            ActionKind = "merge"
	ActionDismiss          ActionKind = "dismiss"
	ActionManualCorrection ActionKind = "manual_correction"
	ActionReversal         ActionKind = "reversal"
)

// IsValid checks if the action kind is valid
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionMerge, ActionDismiss, ActionManualCorrection, ActionReversal:
		return true
	}
	return false
}

// AllActionKinds lists every action kind in display order.
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionMerge, ActionDismiss, ActionManualCorrection, ActionReversal}
}

// AuditEntry is an append-only record of one quality decision.
// Only Reversible and ReversedBy ever change after the entry is written,
// and only when a reversal entry is appended for it.
type AuditEntry struct {
	ID          int64         `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Action      ActionKind    `json:"action"`
	User        string        `json:"user"`
	Tickets     []string      `json:"affected_tickets"`
	Description string        `json:"description"`
	Metadata    AuditMetadata `json:"metadata"`
	Reversible  bool          `json:"reversible"`
	Reverses    int64         `json:"reverses_entry_id,omitempty"`
	ReversedBy  int64         `json:"reversed_by_entry_id,omitempty"`
}

// IsReversed reports whether a later reversal entry undid this one.
func (e *AuditEntry) IsReversed() bool {
	return e.ReversedBy != 0
}

// AuditMetadata is the structured payload of an audit entry. PriorStates
// and PostStates hold the full ticket state before and after the action
// so a reversal can restore the prior state exactly.
type AuditMetadata struct {
	GroupID          string         `json:"group_id,omitempty"`
	Confidence       float64        `json:"confidence,omitempty"`
	Breakdown        []PairScore    `json:"similarity_breakdown,omitempty"`
	PrimaryID        string         `json:"primary_id,omitempty"`
	Included         []string       `json:"included,omitempty"`
	Excluded         []string       `json:"excluded,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	PriorGroupStatus GroupStatus    `json:"prior_group_status,omitempty"`
	PriorStates      []TicketState  `json:"prior_states,omitempty"`
	PostStates       []TicketState  `json:"post_states,omitempty"`
	Correction       *Correction    `json:"correction,omitempty"`
	ReversedAction   ActionKind     `json:"reversed_action,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Correction is a manual fix to a ticket's classification.
// At least one field must be set.
type Correction struct {
	Priority    *Priority `json:"priority,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Subcategory *string   `json:"subcategory,omitempty"`
}

// IsEmpty reports whether the correction changes nothing.
func (c Correction) IsEmpty() bool {
	return c.Priority == nil && c.Category == nil && c.Subcategory == nil
}

// AuditFilter is used to filter audit history queries. Zero values mean
// "no constraint"; Limit 0 returns everything.
type AuditFilter struct {
	Since    time.Time
	Until    time.Time
	Kinds    []ActionKind
	TicketID string
	User     string
	Limit    int
	Offset   int
}

// AuditStats summarises the audit trail.
type AuditStats struct {
	TotalEntries    int                `json:"total_entries"`
	EntriesByAction map[ActionKind]int `json:"entries_by_action"`
	EntriesByUser   map[string]int     `json:"entries_by_user"`
	RecentEntries   int                `json:"recent_entries_7d"`
	ReversedEntries int                `json:"reversed_entries"`
	OldestEntry     *time.Time         `json:"oldest_entry,omitempty"`
	NewestEntry     *time.Time         `json:"newest_entry,omitempty"`
}

// RetentionPolicy bounds the size of the audit trail.
// Zero disables the corresponding limit.
type RetentionPolicy struct {
	RetentionDays int
	MaxEntries    int
	BatchSize     int
}

// EvictionResult reports what an eviction pass removed.
type EvictionResult struct {
	ByAge      int     `json:"evicted_by_age"`
	ByCount    int     `json:"evicted_by_count"`
	Protected  int     `json:"protected"`
	Remaining  int     `json:"remaining"`
	EvictedIDs []int64 `json:"-"`
}

// Total is the number of entries removed.
func (r *EvictionResult) Total() int {
	return r.ByAge + r.ByCount
}

// AuditExportColumns is the header row of a flat audit export.
var AuditExportColumns = []string{
	"entry_id", "timestamp", "action", "user", "affected_tickets",
	"description", "group_id", "primary_id", "confidence",
	"reversible", "reverses_entry_id", "reversed_by_entry_id", "notes",
}

// AuditRow is one flattened audit entry for tabular export.
type AuditRow struct {
	EntryID     int64      `json:"entry_id"`
	Timestamp   time.Time  `json:"timestamp"`
	Action      ActionKind `json:"action"`
	User        string     `json:"user"`
	Tickets     string     `json:"affected_tickets"`
	Description string     `json:"description"`
	GroupID     string     `json:"group_id"`
	PrimaryID   string     `json:"primary_id"`
	Confidence  float64    `json:"confidence"`
	Reversible  bool       `json:"reversible"`
	Reverses    int64      `json:"reverses_entry_id"`
	ReversedBy  int64      `json:"reversed_by_entry_id"`
	Notes       string     `json:"notes"`
}

// NewAuditRow flattens an entry.
func NewAuditRow(e *AuditEntry) AuditRow {
	return AuditRow{
		EntryID:     e.ID,
		Timestamp:   e.Timestamp,
		Action:      e.Action,
		User:        e.User,
		Tickets:     strings.Join(e.Tickets, ", "),
		Description: e.Description,
		GroupID:     e.Metadata.GroupID,
		PrimaryID:   e.Metadata.PrimaryID,
		Confidence:  e.Metadata.Confidence,
		Reversible:  e.Reversible,
		Reverses:    e.Reverses,
		ReversedBy:  e.ReversedBy,
		Notes:       e.Metadata.Notes,
	}
}

// Strings renders the row in AuditExportColumns order.
func (r AuditRow) Strings() []string {
	id := func(v int64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatInt(v, 10)
	}
	conf := ""
	if r.Confidence > 0 {
		conf = strconv.FormatFloat(r.Confidence, 'f', 4, 64)
	}
	return []string{
		strconv.FormatInt(r.EntryID, 10),
		r.Timestamp.UTC().Format(time.RFC3339),
		string(r.Action),
		r.User,
		r.Tickets,
		r.Description,
		r.GroupID,
		r.PrimaryID,
		conf,
		strconv.FormatBool(r.Reversible),
		id(r.Reverses),
		id(r.ReversedBy),
		r.Notes,
	}
}
