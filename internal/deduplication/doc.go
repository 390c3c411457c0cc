// Package deduplication finds groups of incident tickets that describe the
// same underlying event.
//
// # Overview
//
// Ticket sources routinely produce several reports for one outage: the
// store manager calls it in, the POS vendor's monitor opens another, and a
// technician files a third. The clusterer links such tickets so a reviewer
// can merge them into one record.
//
// # Algorithm
//
//  1. Drop inactive tickets (already merged into another ticket).
//  2. Partition by site. Tickets from different sites are never linked.
//  3. Within a site, score every pair created within TimeWindow of each
//     other using the similarity package.
//  4. Link pairs whose total score reaches MinConfidence.
//  5. Each connected component of two or more tickets becomes a pending
//     DuplicateGroup. Its confidence is the lowest score among the links
//     that formed it, so a chain A~B~C is only as strong as its weakest pair.
//
// Members are sorted and the group ID is a hash of the member IDs, so the
// same tickets always produce the same group. The review state stored
// against that ID survives re-analysis.
//
// # Concurrency
//
// Sites are clustered in parallel, bounded by Config.Workers. Each site
// writes only its own result slot and results are concatenated in site
// order, so the output is identical for any worker count.
//
// # Configuration
//
// The defaults mirror the weights reviewers have tuned for incident data:
//   - Weights: description 0.6, date 0.3, priority 0.1
//   - TimeWindow: 24 hours
//   - MinConfidence: 0.7
//
// See DefaultConfig() for full default values.
//
// # Usage Examples
//
//	scorer := similarity.NewScorer(similarity.WithAdjacentPriorityScore(cfg.AdjacentPriorityScore))
//	clusterer, err := deduplication.NewSimilarityClusterer(scorer, cfg, logger)
//	if err != nil {
//	    return fmt.Errorf("failed to create clusterer: %w", err)
//	}
//	result, err := clusterer.Cluster(ctx, tickets, cfg.Params())
package deduplication
