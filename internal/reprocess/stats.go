package reprocess

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// SiteStats are the derived counts for one site.
type SiteStats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Inactive   int            `json:"inactive"`
	ByPriority map[string]int `json:"by_priority"`
	ByReview   map[string]int `json:"by_review"`
}

// DatasetStats are the statistics report collaborators derive from the
// active ticket set. Map keys are serialized in sorted order, so equal
// statistics always encode to the same bytes.
type DatasetStats struct {
	Tickets        int                  `json:"tickets"`
	Active         int                  `json:"active"`
	Inactive       int                  `json:"inactive"`
	Sites          map[string]SiteStats `json:"sites"`
	GroupsByStatus map[string]int       `json:"groups_by_status"`

	// Fingerprint is the BLAKE3 hash of the canonical encoding.
	Fingerprint string `json:"-"`

	siteOf map[string]string
}

// SiteOf returns the site of a ticket counted in the statistics.
func (s *DatasetStats) SiteOf(ticketID string) (string, bool) {
	site, ok := s.siteOf[ticketID]
	return site, ok
}

// Canonical returns the deterministic JSON encoding of the statistics.
func (s *DatasetStats) Canonical() ([]byte, error) {
	return json.Marshal(s)
}

// ComputeStats derives the dataset statistics from the store.
func ComputeStats(ctx context.Context, store storage.Storage) (*DatasetStats, error) {
	tickets, err := store.ListTickets(ctx, types.TicketFilter{})
	if err != nil {
		return nil, err
	}
	groups, err := store.ListGroups(ctx, types.GroupFilter{})
	if err != nil {
		return nil, err
	}

	stats := &DatasetStats{
		Sites:          make(map[string]SiteStats),
		GroupsByStatus: make(map[string]int),
		siteOf:         make(map[string]string, len(tickets)),
	}
	for _, st := range tickets {
		t := st.Effective()
		site := stats.Sites[t.SiteID]
		if site.ByPriority == nil {
			site.ByPriority = make(map[string]int)
			site.ByReview = make(map[string]int)
		}
		site.Total++
		if t.IsActive {
			site.Active++
			site.ByPriority[t.Priority.String()]++
			stats.Active++
		} else {
			site.Inactive++
			stats.Inactive++
		}
		site.ByReview[string(t.ReviewStatus)]++
		stats.Sites[t.SiteID] = site
		stats.siteOf[t.ID] = t.SiteID
	}
	stats.Tickets = len(tickets)
	for _, g := range groups {
		stats.GroupsByStatus[string(g.Status)]++
	}

	raw, err := stats.Canonical()
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset statistics: %w", err)
	}
	sum := blake3.Sum256(raw)
	stats.Fingerprint = hex.EncodeToString(sum[:])
	return stats, nil
}
