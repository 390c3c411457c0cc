package quality

import (
	"context"
	"slices"
	"time"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/deduplication"
	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// FilterStats reports what the site filter removed.
type FilterStats struct {
	Enabled      bool `json:"enabled"`
	Original     int  `json:"original_count"`
	Kept         int  `json:"filtered_count"`
	Removed      int  `json:"removed_count"`
	SitesRemoved int  `json:"sites_removed"`
}

// applySiteFilter keeps the tickets whose site passes f.
func applySiteFilter(tickets []types.Ticket, f config.SiteFilterConfig) ([]types.Ticket, FilterStats) {
	stats := FilterStats{Enabled: f.Enabled, Original: len(tickets)}
	kept := make([]types.Ticket, 0, len(tickets))
	removedSites := make(map[string]struct{})
	for _, t := range tickets {
		if f.Matches(t.SiteID) {
			kept = append(kept, t)
			continue
		}
		removedSites[t.SiteID] = struct{}{}
	}
	stats.Kept = len(kept)
	stats.Removed = stats.Original - stats.Kept
	stats.SitesRemoved = len(removedSites)
	return kept, stats
}

func sitesOf(tickets []types.Ticket) []string {
	sites := make([]string, 0)
	for _, t := range tickets {
		sites = append(sites, t.SiteID)
	}
	slices.Sort(sites)
	return slices.Compact(sites)
}

// AnalysisResult is the outcome of an analysis pass.
type AnalysisResult struct {
	Filter     FilterStats                `json:"site_filter"`
	Clustering deduplication.ClusterStats `json:"clustering"`
	Reconcile  *storage.ReconcileResult   `json:"reconcile"`
	Pending    []GroupView                `json:"pending_groups"`
	Duration   time.Duration              `json:"duration"`
}

// Analyze runs a full analysis pass: the site filter is applied, the
// active tickets are clustered and the groups found are reconciled with
// the stored ones. Within the filtered sites, pending groups the pass
// does not reproduce are dropped, skipped groups that it does are offered
// again and merged or dismissed groups are left alone.
func (e *Engine) Analyze(ctx context.Context) (*AnalysisResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	stored, err := e.store.ListTickets(ctx, types.TicketFilter{})
	if err != nil {
		return nil, err
	}
	tickets := make([]types.Ticket, len(stored))
	for i, st := range stored {
		tickets[i] = st.Effective()
	}
	kept, filterStats := applySiteFilter(tickets, e.cfg.SiteFilter)

	clusters, err := e.clusterer.Cluster(ctx, kept, e.cfg.Clustering.Params())
	if err != nil {
		return nil, err
	}

	reconciled, err := e.store.ReconcileGroups(ctx, clusters.Groups, storage.ReconcileOptions{
		Sites:     sitesOf(kept),
		DropStale: true,
		Now:       e.now(),
	})
	if err != nil {
		return nil, err
	}

	pending, err := e.Groups(ctx, types.GroupFilter{
		Statuses: []types.GroupStatus{types.GroupPending},
		SiteIDs:  sitesOf(kept),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.publish(ctx); err != nil {
		return nil, err
	}

	res := &AnalysisResult{
		Filter:     filterStats,
		Clustering: clusters.Stats,
		Reconcile:  reconciled,
		Pending:    pending,
		Duration:   time.Since(start),
	}
	e.logger.Info("analysis complete",
		"tickets", filterStats.Kept,
		"filtered_out", filterStats.Removed,
		"groups_found", clusters.Stats.GroupCount,
		"created", len(reconciled.Created),
		"refreshed", len(reconciled.Refreshed),
		"reoffered", len(reconciled.Reoffered),
		"blocked", len(reconciled.Blocked),
		"dropped", len(reconciled.Dropped),
		"pending", len(pending),
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// reclusterExcluded offers members left out of a partial merge for
// grouping straight away. Only groups containing one of them are stored;
// nothing is dropped.
func (e *Engine) reclusterExcluded(ctx context.Context, ids []string) ([]string, error) {
	excluded, err := e.store.ListTickets(ctx, types.TicketFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	var sites []string
	for _, st := range excluded {
		sites = append(sites, st.Original.SiteID)
	}
	slices.Sort(sites)
	sites = slices.Compact(sites)
	if len(sites) == 0 {
		return []string{}, nil
	}

	stored, err := e.store.ListTickets(ctx, types.TicketFilter{SiteIDs: sites})
	if err != nil {
		return nil, err
	}
	tickets := make([]types.Ticket, len(stored))
	for i, st := range stored {
		tickets[i] = st.Effective()
	}
	kept, _ := applySiteFilter(tickets, e.cfg.SiteFilter)

	clusters, err := e.clusterer.Cluster(ctx, kept, e.cfg.Clustering.Params())
	if err != nil {
		return nil, err
	}
	var relevant []*types.DuplicateGroup
	for _, g := range clusters.Groups {
		if slices.ContainsFunc(ids, g.HasMember) {
			relevant = append(relevant, g)
		}
	}
	if len(relevant) == 0 {
		return []string{}, nil
	}

	reconciled, err := e.store.ReconcileGroups(ctx, relevant, storage.ReconcileOptions{Now: e.now()})
	if err != nil {
		return nil, err
	}
	e.logger.Info("excluded members re-clustered", "tickets", ids, "created", reconciled.Created)
	return reconciled.Created, nil
}
