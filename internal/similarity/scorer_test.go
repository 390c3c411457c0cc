package similarity

import (
	"math"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomoutput/reportoid/internal/types"
)

var defaultWeights = types.SimilarityWeights{Description: 0.6, Date: 0.3, Priority: 0.1}

func ticket(id, site string, created time.Time, prio types.Priority, desc string) *types.Ticket {
	return &types.Ticket{ID: id, SiteID: site, Created: created, Priority: prio, Description: desc}
}

func TestScoreNetworkFailureVsOutage(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := ticket("INC001", "Site1", base, types.PriorityHigh, "network failure")
	b := ticket("INC002", "Site1", base.Add(3*time.Minute), types.PriorityHigh, "network outage")

	s := NewScorer()
	bd, ok := s.Score(a, b, defaultWeights, 24*time.Hour)
	require.True(t, ok)
	assert.Equal(t, 1.0, bd.Description)
	assert.Equal(t, 1.0, bd.Priority)
	assert.InDelta(t, 1-3.0/(24*60), bd.Date, 1e-9)
	assert.GreaterOrEqual(t, bd.Total, 0.90)
}

func TestScoreDifferentSitesNotComparable(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := ticket("A", "Site1", base, types.PriorityHigh, "printer jammed")
	b := ticket("B", "Site2", base, types.PriorityHigh, "printer jammed")

	bd, ok := NewScorer().Score(a, b, defaultWeights, 24*time.Hour)
	assert.False(t, ok)
	assert.Equal(t, types.ScoreBreakdown{}, bd)
}

func TestScoreMissingDescriptionContributesZero(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := ticket("A", "Site1", base, types.PriorityHigh, "")
	b := ticket("B", "Site1", base, types.PriorityHigh, "POS offline")

	bd, ok := NewScorer().Score(a, b, defaultWeights, 24*time.Hour)
	require.True(t, ok)
	assert.Equal(t, 0.0, bd.Description)
	assert.InDelta(t, 0.4, bd.Total, 1e-9)
}

func TestDateProximity(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, DateProximity(base, base, time.Hour))
	assert.InDelta(t, 0.5, DateProximity(base, base.Add(30*time.Minute), time.Hour), 1e-9)
	assert.InDelta(t, 0.5, DateProximity(base.Add(30*time.Minute), base, time.Hour), 1e-9)
	assert.Equal(t, 0.0, DateProximity(base, base.Add(time.Hour), time.Hour))
	assert.Equal(t, 0.0, DateProximity(base, base.Add(48*time.Hour), time.Hour))
	assert.Equal(t, 1.0, DateProximity(base, base, 0))
	assert.Equal(t, 0.0, DateProximity(base, base.Add(time.Second), 0))
}

func TestPrioritySimilarity(t *testing.T) {
	s := NewScorer(WithAdjacentPriorityScore(0.25))
	assert.Equal(t, 1.0, s.PrioritySimilarity(types.PriorityHigh, types.PriorityHigh))
	assert.Equal(t, 0.25, s.PrioritySimilarity(types.PriorityHigh, types.PriorityCritical))
	assert.Equal(t, 0.0, s.PrioritySimilarity(types.PriorityLow, types.PriorityCritical))
	assert.Equal(t, 0.0, s.PrioritySimilarity(types.PriorityUnknown, types.PriorityUnknown))
}

func TestDescriptionSimilarityNormalization(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 1.0, s.DescriptionSimilarity("Café POS is DOWN", "cafe register offline"))
	assert.Equal(t, 1.0, s.DescriptionSimilarity("Printers not printing", "printer not printing"))
	assert.Less(t, s.DescriptionSimilarity("printer jammed", "network outage"), 0.5)
	assert.Equal(t, 0.0, s.DescriptionSimilarity("the", "network outage"))
}

func TestCustomSynonyms(t *testing.T) {
	n := NewNormalizer(map[string][]string{"outage": {"kaput"}, "kiosk": {"totem"}})
	s := NewScorer(WithNormalizer(n))
	assert.Equal(t, 1.0, s.DescriptionSimilarity("kiosk kaput", "totem down"))
}

func TestSequenceRatio(t *testing.T) {
	assert.Equal(t, 1.0, SequenceRatio("", ""))
	assert.Equal(t, 1.0, SequenceRatio("abc", "abc"))
	assert.Equal(t, 0.0, SequenceRatio("abc", "xyz"))
	// "abcd" vs "bcde": longest block "bcd" -> 2*3/8
	assert.InDelta(t, 0.75, SequenceRatio("abcd", "bcde"), 1e-9)
}

func TestJaccard(t *testing.T) {
	set := func(xs ...string) map[string]struct{} {
		m := map[string]struct{}{}
		for _, x := range xs {
			m[x] = struct{}{}
		}
		return m
	}
	assert.Equal(t, 1.0, Jaccard(set(), set()))
	assert.Equal(t, 0.0, Jaccard(set("a"), set()))
	assert.InDelta(t, 1.0/3.0, Jaccard(set("a", "b"), set("b", "c")), 1e-9)
}

// Scores must be symmetric and bounded for arbitrary inputs.
func TestScoreProperties(t *testing.T) {
	faker := gofakeit.New(42)
	s := NewScorer()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	prios := []types.Priority{types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical}

	for i := 0; i < 200; i++ {
		site := faker.RandomString([]string{"S1", "S2"})
		a := ticket("A", "S1", base.Add(time.Duration(faker.Number(0, 3000))*time.Minute),
			prios[faker.Number(0, 3)], faker.Sentence(faker.Number(0, 8)))
		b := ticket("B", site, base.Add(time.Duration(faker.Number(0, 3000))*time.Minute),
			prios[faker.Number(0, 3)], faker.Sentence(faker.Number(0, 8)))

		ab, okAB := s.Score(a, b, defaultWeights, 24*time.Hour)
		ba, okBA := s.Score(b, a, defaultWeights, 24*time.Hour)
		require.Equal(t, okAB, okBA)
		require.Equal(t, ab, ba, "score must be symmetric for %q vs %q", a.Description, b.Description)
		require.False(t, math.IsNaN(ab.Total))
		require.GreaterOrEqual(t, ab.Total, 0.0)
		require.LessOrEqual(t, ab.Total, 1.0)
		if site != "S1" {
			require.False(t, okAB)
		}
	}
}
