// Package similarity scores how likely two incident tickets describe the
// same underlying event.
//
// A score combines three components, each in [0, 1]:
//
//   - description: the better of token-set Jaccard and a Ratcliff/Obershelp
//     sequence ratio, both computed over normalized, stemmed,
//     synonym-collapsed descriptions
//   - date: linear decay from 1 at identical creation times to 0 at the
//     edge of the comparison window
//   - priority: 1 for equal priorities, a configurable partial score for
//     adjacent levels, 0 otherwise
//
// Tickets from different sites are never comparable.
package similarity

import (
	"math"
	"strings"
	"time"

	"github.com/atomoutput/reportoid/internal/types"
)

// DefaultAdjacentPriorityScore is the priority similarity of tickets one
// level apart.
const DefaultAdjacentPriorityScore = 0.5

// Scorer computes pairwise similarity. It holds no mutable state and is
// safe for concurrent use.
type Scorer struct {
	normalizer       *Normalizer
	adjacentPriority float64
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithAdjacentPriorityScore sets the score for adjacent priority levels.
func WithAdjacentPriorityScore(v float64) Option {
	return func(s *Scorer) { s.adjacentPriority = v }
}

// WithNormalizer replaces the default description normalizer.
func WithNormalizer(n *Normalizer) Option {
	return func(s *Scorer) { s.normalizer = n }
}

// NewScorer creates a scorer.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{adjacentPriority: DefaultAdjacentPriorityScore}
	for _, opt := range opts {
		opt(s)
	}
	if s.normalizer == nil {
		s.normalizer = NewNormalizer(nil)
	}
	return s
}

// Prepared is a ticket with its description already normalized, so
// repeated comparisons during clustering only normalize once.
type Prepared struct {
	Ticket *types.Ticket
	text   string
	set    map[string]struct{}
}

// Prepare normalizes a ticket for scoring.
func (s *Scorer) Prepare(t *types.Ticket) *Prepared {
	tokens := s.normalizer.Tokens(t.Description)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return &Prepared{Ticket: t, text: strings.Join(tokens, " "), set: set}
}

// Score compares two tickets. ok is false when they belong to different
// sites; the breakdown is then zero.
func (s *Scorer) Score(a, b *types.Ticket, w types.SimilarityWeights, window time.Duration) (types.ScoreBreakdown, bool) {
	return s.ScorePrepared(s.Prepare(a), s.Prepare(b), w, window)
}

// ScorePrepared is Score over prepared tickets. Breakdown components are
// the raw component similarities; Total is their weighted sum.
func (s *Scorer) ScorePrepared(a, b *Prepared, w types.SimilarityWeights, window time.Duration) (types.ScoreBreakdown, bool) {
	if a.Ticket.SiteID != b.Ticket.SiteID {
		return types.ScoreBreakdown{}, false
	}
	bd := types.ScoreBreakdown{
		Description: descriptionSimilarity(a, b),
		Date:        DateProximity(a.Ticket.Created, b.Ticket.Created, window),
		Priority:    s.PrioritySimilarity(a.Ticket.Priority, b.Ticket.Priority),
	}
	total := w.Description*bd.Description + w.Date*bd.Date + w.Priority*bd.Priority
	bd.Total = math.Max(0, math.Min(1, total))
	return bd, true
}

// DescriptionSimilarity compares two free-text descriptions.
func (s *Scorer) DescriptionSimilarity(a, b string) float64 {
	return descriptionSimilarity(
		s.Prepare(&types.Ticket{Description: a}),
		s.Prepare(&types.Ticket{Description: b}),
	)
}

// A missing description on either side contributes nothing.
func descriptionSimilarity(a, b *Prepared) float64 {
	if len(a.set) == 0 || len(b.set) == 0 {
		return 0
	}
	if a.text == b.text {
		return 1
	}
	return math.Max(Jaccard(a.set, b.set), SequenceRatio(a.text, b.text))
}

// DateProximity is 1 for identical timestamps, decaying linearly to 0 at
// window. A non-positive window only matches identical timestamps.
func DateProximity(a, b time.Time, window time.Duration) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	if window <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	if d >= window {
		return 0
	}
	return 1 - float64(d)/float64(window)
}

// PrioritySimilarity compares two priorities. Unknown priorities never match.
func (s *Scorer) PrioritySimilarity(a, b types.Priority) float64 {
	switch {
	case a == types.PriorityUnknown || b == types.PriorityUnknown:
		return 0
	case a == b:
		return 1
	case a.Adjacent(b):
		return s.adjacentPriority
	}
	return 0
}
