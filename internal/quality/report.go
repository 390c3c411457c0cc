package quality

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/types"
)

// Report summarises the quality of the active dataset.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Dataset         DatasetSummary   `json:"dataset"`
	SiteFilter      FilterStats      `json:"site_filter"`
	Duplicates      DuplicateSummary `json:"duplicate_analysis"`
	Missing         map[string]int   `json:"missing_values"`
	QualityScore    float64          `json:"data_quality_score"`
	Recommendations []string         `json:"recommendations"`
}

// DatasetSummary describes the tickets the report covers.
type DatasetSummary struct {
	TotalTickets    int        `json:"total_tickets"`
	ActiveTickets   int        `json:"active_tickets"`
	InactiveTickets int        `json:"inactive_tickets"`
	UniqueSites     int        `json:"unique_sites"`
	Start           *time.Time `json:"start,omitempty"`
	End             *time.Time `json:"end,omitempty"`
}

// DuplicateSummary counts the pending duplicate groups.
type DuplicateSummary struct {
	Groups          int     `json:"total_duplicate_groups"`
	TicketsAffected int     `json:"tickets_affected"`
	Percentage      float64 `json:"duplicate_percentage"`
	HighConfidence  int     `json:"high_confidence_groups"`
	ManualReview    int     `json:"manual_review_required"`
	LowConfidence   int     `json:"low_confidence_groups"`
}

const (
	// duplicatePenalty is the score lost when every ticket is a duplicate.
	duplicatePenalty = 30.0
	// missingPenalty is the score lost per percent of tickets missing a
	// required attribute.
	missingPenalty = 0.2
)

// Report builds the quality report from the current snapshot, refreshing
// it first if none has been published.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	snap := e.Snapshot()
	if snap == nil {
		var err error
		if snap, err = e.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return buildReport(snap, e.cfg.Review, e.cfg.SiteFilter, e.now().UTC()), nil
}

func buildReport(snap *Snapshot, review config.ReviewConfig, filter config.SiteFilterConfig, now time.Time) *Report {
	r := &Report{GeneratedAt: now, Missing: map[string]int{}}

	active := make([]types.Ticket, 0, len(snap.Tickets))
	sites := make(map[string]struct{})
	for _, t := range snap.Tickets {
		r.Dataset.TotalTickets++
		if !t.IsActive {
			r.Dataset.InactiveTickets++
			continue
		}
		r.Dataset.ActiveTickets++
		active = append(active, t)
		sites[t.SiteID] = struct{}{}
		created := t.Created
		if r.Dataset.Start == nil || created.Before(*r.Dataset.Start) {
			r.Dataset.Start = &created
		}
		if r.Dataset.End == nil || created.After(*r.Dataset.End) {
			r.Dataset.End = &created
		}
	}
	r.Dataset.UniqueSites = len(sites)

	kept := make([]types.Ticket, 0, len(active))
	removedSites := make(map[string]struct{})
	for _, t := range active {
		if filter.Matches(t.SiteID) {
			kept = append(kept, t)
		} else {
			removedSites[t.SiteID] = struct{}{}
		}
	}
	r.SiteFilter = FilterStats{
		Enabled:      filter.Enabled,
		Original:     len(active),
		Kept:         len(kept),
		Removed:      len(active) - len(kept),
		SitesRemoved: len(removedSites),
	}

	for _, g := range snap.Groups {
		if g.Status != types.GroupPending || !filter.Matches(g.SiteID) {
			continue
		}
		r.Duplicates.Groups++
		r.Duplicates.TicketsAffected += len(g.Members)
		switch g.Flag(review.HighConfidenceThreshold, review.ManualReviewThreshold) {
		case types.FlagHighConfidence:
			r.Duplicates.HighConfidence++
		case types.FlagNeedsManualReview:
			r.Duplicates.ManualReview++
		default:
			r.Duplicates.LowConfidence++
		}
	}

	for _, t := range kept {
		if t.SiteID == "" {
			r.Missing["site"]++
		}
		if t.Priority == types.PriorityUnknown {
			r.Missing["priority"]++
		}
		if t.Created.IsZero() {
			r.Missing["created"]++
		}
		if t.Description == "" {
			r.Missing["description"]++
		}
	}

	total := len(kept)
	if total > 0 {
		r.Duplicates.Percentage = round2(float64(r.Duplicates.TicketsAffected) / float64(total) * 100)
		score := 100.0 - float64(r.Duplicates.TicketsAffected)/float64(total)*duplicatePenalty
		for _, field := range []string{"site", "priority", "created"} {
			score -= float64(r.Missing[field]) / float64(total) * 100 * missingPenalty
		}
		r.QualityScore = round2(math.Max(0, math.Min(100, score)))
	}
	r.Recommendations = recommendations(r, total)
	return r
}

func recommendations(r *Report, total int) []string {
	var recs []string
	if r.SiteFilter.Removed > 0 {
		recs = append(recs, fmt.Sprintf(
			"Site filter removed %d tickets from %d sites. Review the filter keywords if this is unexpected.",
			r.SiteFilter.Removed, r.SiteFilter.SitesRemoved))
	}
	if n := r.Duplicates.HighConfidence; n > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d duplicate groups have high confidence scores and can be processed automatically.", n))
	}
	if n := r.Duplicates.ManualReview; n > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d duplicate groups need manual review before reports are generated.", n))
	}
	for _, field := range []string{"site", "priority", "created", "description"} {
		n := r.Missing[field]
		if n == 0 || total == 0 {
			continue
		}
		recs = append(recs, fmt.Sprintf(
			"Field %q is missing on %d tickets (%.1f%%). Correct these for more accurate analysis.",
			field, n, float64(n)/float64(total)*100))
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality looks good. No major issues detected.")
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
