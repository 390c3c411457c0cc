package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/types"
)

func reportSnapshot() *Snapshot {
	return &Snapshot{
		Tickets: []types.Ticket{
			{ID: "A1", SiteID: "Store 1", Priority: types.PriorityHigh, Created: at(8, 0), Description: "pos down", IsActive: true},
			{ID: "A2", SiteID: "Store 1", Priority: types.PriorityHigh, Created: at(8, 5), Description: "pos offline", IsActive: true},
			{ID: "A3", SiteID: "Store 1", Priority: types.PriorityUnknown, Created: at(9, 0), IsActive: true},
			{ID: "A4", SiteID: "Store 1", Priority: types.PriorityLow, Created: at(7, 0), Description: "old", MergedInto: "A1"},
			{ID: "B1", SiteID: "Store 2", Priority: types.PriorityLow, Created: at(10, 0), Description: "printer", IsActive: true},
			{ID: "C1", SiteID: "Warehouse", Priority: types.PriorityLow, Created: at(11, 0), Description: "forklift", IsActive: true},
		},
		Groups: []*types.DuplicateGroup{
			{ID: "g1", SiteID: "Store 1", Members: []string{"A1", "A2"}, Confidence: 0.97, Status: types.GroupPending},
			{ID: "g2", SiteID: "Store 2", Members: []string{"B1", "B9"}, Confidence: 0.8, Status: types.GroupPending},
			{ID: "g3", SiteID: "Store 1", Members: []string{"A1", "A4"}, Confidence: 0.99, Status: types.GroupMerged},
			{ID: "g4", SiteID: "Warehouse", Members: []string{"C1", "C2"}, Confidence: 0.99, Status: types.GroupPending},
		},
	}
}

func TestBuildReport(t *testing.T) {
	review := config.Default().Review
	filter := config.SiteFilterConfig{Enabled: true, Keywords: []string{"store"}}

	r := buildReport(reportSnapshot(), review, filter, at(12, 0))

	assert.Equal(t, 6, r.Dataset.TotalTickets)
	assert.Equal(t, 5, r.Dataset.ActiveTickets)
	assert.Equal(t, 1, r.Dataset.InactiveTickets)
	assert.Equal(t, 3, r.Dataset.UniqueSites)
	require.NotNil(t, r.Dataset.Start)
	assert.Equal(t, at(8, 0), *r.Dataset.Start)
	assert.Equal(t, at(11, 0), *r.Dataset.End)

	assert.Equal(t, FilterStats{Enabled: true, Original: 5, Kept: 4, Removed: 1, SitesRemoved: 1}, r.SiteFilter)

	assert.Equal(t, DuplicateSummary{
		Groups:          2,
		TicketsAffected: 4,
		Percentage:      100,
		HighConfidence:  1,
		ManualReview:    1,
	}, r.Duplicates)
	assert.Equal(t, map[string]int{"priority": 1, "description": 1}, r.Missing)

	// 100 - 30 for duplicates - 0.2 * 25% missing priority
	assert.InDelta(t, 65.0, r.QualityScore, 1e-9)

	require.Len(t, r.Recommendations, 5)
	assert.Contains(t, r.Recommendations[0], "removed 1 tickets from 1 sites")
	assert.Contains(t, r.Recommendations[1], "1 duplicate groups have high confidence")
	assert.Contains(t, r.Recommendations[2], "1 duplicate groups need manual review")
	assert.Contains(t, r.Recommendations[3], `"priority" is missing on 1 tickets (25.0%)`)
	assert.Contains(t, r.Recommendations[4], `"description"`)
}

func TestBuildReportCleanAndEmpty(t *testing.T) {
	review := config.Default().Review

	empty := buildReport(&Snapshot{}, review, config.SiteFilterConfig{}, at(12, 0))
	assert.Zero(t, empty.QualityScore)
	assert.Nil(t, empty.Dataset.Start)
	assert.Equal(t, []string{"Data quality looks good. No major issues detected."}, empty.Recommendations)

	clean := buildReport(&Snapshot{Tickets: []types.Ticket{
		{ID: "X", SiteID: "S", Priority: types.PriorityLow, Created: at(1, 0), Description: "ok", IsActive: true},
	}}, review, config.SiteFilterConfig{}, at(12, 0))
	assert.InDelta(t, 100.0, clean.QualityScore, 1e-9)
	assert.False(t, clean.SiteFilter.Enabled)
	assert.Len(t, clean.Recommendations, 1)
}

func TestEngineReport(t *testing.T) {
	e := newEngine(t)
	ingest(t, e, scenarioTickets()...)
	analyze(t, e)

	r, err := e.Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, at(20, 0), r.GeneratedAt)
	assert.Equal(t, 4, r.Dataset.ActiveTickets)
	assert.Equal(t, 1, r.Duplicates.Groups)
	assert.Equal(t, 2, r.Duplicates.TicketsAffected)
	assert.Equal(t, 1, r.Missing["priority"])
	// 100 - 30 * 2/4 - 0.2 * 25
	assert.InDelta(t, 80.0, r.QualityScore, 1e-9)
}
