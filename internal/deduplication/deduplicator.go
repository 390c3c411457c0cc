package deduplication

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/atomoutput/reportoid/internal/types"
)

// Clusterer groups tickets that likely describe the same incident.
//
// Example usage:
//
//	clusterer, err := NewSimilarityClusterer(similarity.NewScorer(), DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	result, err := clusterer.Cluster(ctx, tickets, DefaultConfig().Params())
//	if err != nil {
//	    return err
//	}
//	for _, g := range result.Groups {
//	    log.Printf("group %s: %v (confidence %.2f)", g.ID, g.Members, g.Confidence)
//	}
type Clusterer interface {
	// Cluster partitions the active tickets by site, links every pair
	// within the time window whose score reaches the minimum confidence,
	// and returns each connected component of two or more tickets as a
	// pending DuplicateGroup.
	//
	// Inactive tickets are ignored. The output depends only on the input
	// set and the parameters: input order, worker count and scheduling
	// never change group membership, IDs or confidence.
	Cluster(ctx context.Context, tickets []types.Ticket, params Params) (*ClusterResult, error)
}

// Params are the per-call clustering parameters.
type Params struct {
	Weights       types.SimilarityWeights
	TimeWindow    time.Duration
	MinConfidence float64
}

// Params extracts the per-call parameters from the configuration.
func (c Config) Params() Params {
	return Params{Weights: c.Weights, TimeWindow: c.TimeWindow, MinConfidence: c.MinConfidence}
}

// Validate checks if the parameters have valid values
func (p Params) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return types.ValidationError("%v", err)
	}
	if p.TimeWindow <= 0 {
		return types.ValidationError("time window must be positive (got %v)", p.TimeWindow)
	}
	if p.MinConfidence < 0.0 || p.MinConfidence > 1.0 {
		return types.ValidationError("min confidence must be between 0.0 and 1.0 (got %.2f)", p.MinConfidence)
	}
	return nil
}

// ClusterResult represents the result of one clustering pass
type ClusterResult struct {
	// Groups are the duplicate groups found, ordered by site and then by
	// smallest member ID. Every group has status pending.
	Groups []*types.DuplicateGroup `json:"groups"`

	// Sites lists every site that had at least one active ticket, sorted.
	Sites []string `json:"sites"`

	// Statistics about the clustering process
	Stats ClusterStats `json:"stats"`
}

// ClusterStats provides metrics about the clustering process
type ClusterStats struct {
	// TicketsConsidered is the number of active tickets clustered
	TicketsConsidered int `json:"tickets_considered"`

	// InactiveSkipped is the number of inactive tickets ignored
	InactiveSkipped int `json:"inactive_skipped"`

	// Sites is the number of sites processed
	Sites int `json:"sites"`

	// ComparisonsMade is the number of pairs scored
	ComparisonsMade int `json:"comparisons_made"`

	// Edges is the number of pairs at or above the minimum confidence
	Edges int `json:"edges"`

	// GroupCount is the number of groups found
	GroupCount int `json:"group_count"`

	// GroupedTickets is the number of tickets that ended up in a group
	GroupedTickets int `json:"grouped_tickets"`

	// ProcessingTimeMs is the time taken for clustering in milliseconds
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Validate checks if the cluster result is internally consistent
func (r *ClusterResult) Validate() error {
	if r.Stats.GroupCount != len(r.Groups) {
		return fmt.Errorf("stats.group_count (%d) does not match groups length (%d)",
			r.Stats.GroupCount, len(r.Groups))
	}

	seen := make(map[string]string)
	grouped := 0
	for _, g := range r.Groups {
		if len(g.Members) < 2 {
			return fmt.Errorf("group %s has %d members, need at least 2", g.ID, len(g.Members))
		}
		if !slices.IsSorted(g.Members) {
			return fmt.Errorf("group %s members are not sorted", g.ID)
		}
		if want := GroupID(g.Members); g.ID != want {
			return fmt.Errorf("group id %s does not match members (want %s)", g.ID, want)
		}
		if g.Confidence < 0.0 || g.Confidence > 1.0 {
			return fmt.Errorf("group %s confidence must be between 0.0 and 1.0 (got %.2f)", g.ID, g.Confidence)
		}
		for _, m := range g.Members {
			if other, dup := seen[m]; dup {
				return fmt.Errorf("ticket %s appears in groups %s and %s", m, other, g.ID)
			}
			seen[m] = g.ID
		}
		grouped += len(g.Members)
	}
	if r.Stats.GroupedTickets != grouped {
		return fmt.Errorf("stats.grouped_tickets (%d) does not match member total (%d)",
			r.Stats.GroupedTickets, grouped)
	}
	if r.Stats.Sites != len(r.Sites) {
		return fmt.Errorf("stats.sites (%d) does not match sites length (%d)", r.Stats.Sites, len(r.Sites))
	}
	return nil
}

// GroupID derives the stable identifier of a group from its sorted
// member IDs.
func GroupID(sortedMembers []string) string {
	sum := blake3.Sum256([]byte(strings.Join(sortedMembers, "\x1f")))
	return "dg-" + hex.EncodeToString(sum[:8])
}
