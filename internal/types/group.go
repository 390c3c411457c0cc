package types

import (
	"fmt"
	"slices"
	"time"
)

// GroupStatus is the review state of a duplicate group.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupMerged    GroupStatus = "merged"
	GroupDismissed GroupStatus = "dismissed"
	GroupSkipped   GroupStatus = "skipped"
)

// IsValid checks if the group status value is valid
func (s GroupStatus) IsValid() bool {
	switch s {
	case GroupPending, GroupMerged, GroupDismissed, GroupSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether a group in this state is never re-offered.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupMerged || s == GroupDismissed
}

// IsOpen reports whether the group still awaits a decision.
func (s GroupStatus) IsOpen() bool {
	return s == GroupPending
}

// ScoreBreakdown is the similarity between two tickets, with each
// weighted component alongside the combined total.
type ScoreBreakdown struct {
	Description float64 `json:"description"`
	Date        float64 `json:"date"`
	Priority    float64 `json:"priority"`
	Total       float64 `json:"total"`
}

// PairScore is one scored edge between two tickets, with A < B.
type PairScore struct {
	A     string         `json:"a"`
	B     string         `json:"b"`
	Score ScoreBreakdown `json:"score"`
}

// SimilarityWeights holds the relative weight of each similarity component.
type SimilarityWeights struct {
	Description float64 `json:"description" yaml:"description"`
	Date        float64 `json:"date" yaml:"date"`
	Priority    float64 `json:"priority" yaml:"priority"`
}

// weightTolerance absorbs float noise from config files like 0.6+0.3+0.1.
const weightTolerance = 1e-6

// Validate checks the weights are non-negative and sum to 1.0.
func (w SimilarityWeights) Validate() error {
	if w.Description < 0 || w.Date < 0 || w.Priority < 0 {
		return fmt.Errorf("similarity weights must be non-negative (got description=%.3f date=%.3f priority=%.3f)",
			w.Description, w.Date, w.Priority)
	}
	sum := w.Description + w.Date + w.Priority
	if sum < 1-weightTolerance || sum > 1+weightTolerance {
		return fmt.Errorf("similarity weights must sum to 1.0 (got %.6f)", sum)
	}
	return nil
}

// DuplicateGroup is a set of tickets judged to describe the same incident.
// Members are sorted ascending and the ID is derived from them, so the
// same member set always maps to the same group.
type DuplicateGroup struct {
	ID         string      `json:"id"`
	SiteID     string      `json:"site_id"`
	Members    []string    `json:"members"`
	Confidence float64     `json:"confidence"`
	Status     GroupStatus `json:"status"`
	Evidence   []PairScore `json:"evidence,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// HasMember reports whether id is a member of the group.
func (g *DuplicateGroup) HasMember(id string) bool {
	_, found := slices.BinarySearch(g.Members, id)
	return found
}

// ConfidenceFlag classifies a group for reviewers.
type ConfidenceFlag string

const (
	FlagHighConfidence    ConfidenceFlag = "high_confidence"
	FlagNeedsManualReview ConfidenceFlag = "needs_manual_review"
	FlagLowConfidence     ConfidenceFlag = "low_confidence"
)

// Flag buckets the group's confidence against the review thresholds.
func (g *DuplicateGroup) Flag(high, manual float64) ConfidenceFlag {
	switch {
	case g.Confidence >= high:
		return FlagHighConfidence
	case g.Confidence >= manual:
		return FlagNeedsManualReview
	}
	return FlagLowConfidence
}

// GroupFilter is used to filter duplicate group queries
type GroupFilter struct {
	Statuses []GroupStatus
	SiteIDs  []string
	TicketID string
}

// PartialMergePolicy controls what happens to members left out of a
// partial merge.
type PartialMergePolicy string

const (
	// PartialMergeNextPass leaves excluded members for the next analysis pass.
	PartialMergeNextPass PartialMergePolicy = "next_pass"
	// PartialMergeImmediate re-clusters excluded members as soon as the merge lands.
	PartialMergeImmediate PartialMergePolicy = "immediate"
)

// IsValid checks if the policy value is valid
func (p PartialMergePolicy) IsValid() bool {
	return p == PartialMergeNextPass || p == PartialMergeImmediate
}
