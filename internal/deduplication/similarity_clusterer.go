package deduplication

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atomoutput/reportoid/internal/similarity"
	"github.com/atomoutput/reportoid/internal/types"
)

// SimilarityClusterer implements the Clusterer interface using pairwise
// similarity scores and connected components.
type SimilarityClusterer struct {
	scorer  *similarity.Scorer
	workers int
	logger  *slog.Logger
}

// Compile-time check that SimilarityClusterer implements Clusterer
var _ Clusterer = (*SimilarityClusterer)(nil)

// NewSimilarityClusterer creates a clusterer
//
// Parameters:
//   - scorer: The pairwise scorer (must be non-nil)
//   - config: Configuration for clustering behavior (must be valid)
//   - logger: Destination for progress logs (nil discards)
func NewSimilarityClusterer(scorer *similarity.Scorer, config Config, logger *slog.Logger) (*SimilarityClusterer, error) {
	if scorer == nil {
		return nil, fmt.Errorf("scorer cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SimilarityClusterer{scorer: scorer, workers: config.Workers, logger: logger}, nil
}

// siteResult is the output of clustering one site.
type siteResult struct {
	groups      []*types.DuplicateGroup
	comparisons int
	edges       int
}

// Cluster groups the active tickets. Sites are independent and are
// processed concurrently, each writing only its own result slot.
func (c *SimilarityClusterer) Cluster(ctx context.Context, tickets []types.Ticket, params Params) (*ClusterResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	bySite := make(map[string][]*types.Ticket)
	inactive := 0
	for i := range tickets {
		t := &tickets[i]
		if !t.IsActive {
			inactive++
			continue
		}
		bySite[t.SiteID] = append(bySite[t.SiteID], t)
	}

	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	slices.Sort(sites)

	results := make([]siteResult, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, site := range sites {
		g.Go(func() error {
			r, err := c.clusterSite(gctx, bySite[site], params)
			if err != nil {
				return fmt.Errorf("cluster site %s: %w", site, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &ClusterResult{Groups: []*types.DuplicateGroup{}, Sites: sites}
	for _, r := range results {
		result.Groups = append(result.Groups, r.groups...)
		result.Stats.ComparisonsMade += r.comparisons
		result.Stats.Edges += r.edges
		for _, grp := range r.groups {
			result.Stats.GroupedTickets += len(grp.Members)
		}
	}
	result.Stats.TicketsConsidered = len(tickets) - inactive
	result.Stats.InactiveSkipped = inactive
	result.Stats.Sites = len(sites)
	result.Stats.GroupCount = len(result.Groups)
	result.Stats.ProcessingTimeMs = time.Since(start).Milliseconds()

	c.logger.Info("clustering complete",
		"tickets", result.Stats.TicketsConsidered,
		"sites", result.Stats.Sites,
		"comparisons", result.Stats.ComparisonsMade,
		"groups", result.Stats.GroupCount,
		"duration_ms", result.Stats.ProcessingTimeMs)

	return result, nil
}

type edge struct {
	i, j  int
	score types.ScoreBreakdown
}

func (c *SimilarityClusterer) clusterSite(ctx context.Context, tickets []*types.Ticket, p Params) (siteResult, error) {
	// Creation order lets the pair scan stop at the window edge.
	slices.SortFunc(tickets, func(a, b *types.Ticket) int {
		if n := a.Created.Compare(b.Created); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})

	prepared := make([]*similarity.Prepared, len(tickets))
	for i, t := range tickets {
		prepared[i] = c.scorer.Prepare(t)
	}

	var res siteResult
	uf := newUnionFind(len(tickets))
	var edges []edge
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for j := i + 1; j < len(tickets); j++ {
			if tickets[j].Created.Sub(tickets[i].Created) > p.TimeWindow {
				break
			}
			res.comparisons++
			bd, ok := c.scorer.ScorePrepared(prepared[i], prepared[j], p.Weights, p.TimeWindow)
			if !ok || bd.Total < p.MinConfidence {
				continue
			}
			uf.union(i, j)
			edges = append(edges, edge{i: i, j: j, score: bd})
		}
	}
	res.edges = len(edges)

	components := make(map[int][]int)
	for i := range tickets {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}
	edgesByRoot := make(map[int][]edge)
	for _, e := range edges {
		root := uf.find(e.i)
		edgesByRoot[root] = append(edgesByRoot[root], e)
	}

	for root, idx := range components {
		if len(idx) < 2 {
			continue
		}
		res.groups = append(res.groups, buildGroup(tickets, idx, edgesByRoot[root]))
	}
	slices.SortFunc(res.groups, func(a, b *types.DuplicateGroup) int {
		return cmp.Compare(a.Members[0], b.Members[0])
	})
	return res, nil
}

// buildGroup assembles a component. Its confidence is the weakest link
// among the qualifying pairs that joined it.
func buildGroup(tickets []*types.Ticket, idx []int, edges []edge) *types.DuplicateGroup {
	members := make([]string, len(idx))
	for k, i := range idx {
		members[k] = tickets[i].ID
	}
	slices.Sort(members)

	confidence := 1.0
	evidence := make([]types.PairScore, 0, len(edges))
	for _, e := range edges {
		a, b := tickets[e.i].ID, tickets[e.j].ID
		if a > b {
			a, b = b, a
		}
		evidence = append(evidence, types.PairScore{A: a, B: b, Score: e.score})
		confidence = min(confidence, e.score.Total)
	}
	slices.SortFunc(evidence, func(x, y types.PairScore) int {
		if n := cmp.Compare(x.A, y.A); n != 0 {
			return n
		}
		return cmp.Compare(x.B, y.B)
	})

	return &types.DuplicateGroup{
		ID:         GroupID(members),
		SiteID:     tickets[idx[0]].SiteID,
		Members:    members,
		Confidence: confidence,
		Status:     types.GroupPending,
		Evidence:   evidence,
	}
}
