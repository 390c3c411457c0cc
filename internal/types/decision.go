package types

import "fmt"

// Decision is a reviewer decision queued for the reprocessing pipeline.
// The set of variants is closed: MergeDecision, DismissDecision,
// SkipDecision, ReversalDecision and CorrectionDecision.
type Decision interface {
	// Actor is the user the decision is attributed to.
	Actor() string
	// String describes the decision for logs and results.
	String() string

	decision()
}

// MergeDecision merges Included into PrimaryID. Included must be a subset
// of the group's members; members left out stay eligible.
type MergeDecision struct {
	GroupID   string
	PrimaryID string
	Included  []string
	Notes     string
	User      string
}

func (d MergeDecision) Actor() string { return d.User }
func (d MergeDecision) String() string {
	return fmt.Sprintf("merge %s into %s (%d tickets)", d.GroupID, d.PrimaryID, len(d.Included))
}
func (MergeDecision) decision() {}

// DismissDecision declares a group not to be duplicates.
type DismissDecision struct {
	GroupID string
	Notes   string
	User    string
}

func (d DismissDecision) Actor() string  { return d.User }
func (d DismissDecision) String() string { return "dismiss " + d.GroupID }
func (DismissDecision) decision()        {}

// SkipDecision defers a group to a later analysis pass.
type SkipDecision struct {
	GroupID string
	User    string
}

func (d SkipDecision) Actor() string  { return d.User }
func (d SkipDecision) String() string { return "skip " + d.GroupID }
func (SkipDecision) decision()        {}

// ReversalDecision undoes a prior reversible audit entry.
type ReversalDecision struct {
	EntryID int64
	Notes   string
	User    string
}

func (d ReversalDecision) Actor() string { return d.User }
func (d ReversalDecision) String() string {
	return fmt.Sprintf("reverse entry %d", d.EntryID)
}
func (ReversalDecision) decision() {}

// CorrectionDecision fixes a ticket's priority or classification.
type CorrectionDecision struct {
	TicketID   string
	Correction Correction
	Notes      string
	User       string
}

func (d CorrectionDecision) Actor() string { return d.User }
func (d CorrectionDecision) String() string {
	return "correct " + d.TicketID
}
func (CorrectionDecision) decision() {}
