package reprocess

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomoutput/reportoid/internal/logging"
	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/storage/sqlite"
	"github.com/atomoutput/reportoid/internal/types"
)

var base = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "reprocess.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.IngestTickets(ctx, []types.Ticket{
		{ID: "INC001", SiteID: "S1", Priority: types.PriorityCritical, Created: base.Add(32 * time.Minute), Description: "network failure"},
		{ID: "INC002", SiteID: "S1", Priority: types.PriorityCritical, Created: base.Add(35 * time.Minute), Description: "network outage"},
		{ID: "INC003", SiteID: "S1", Priority: types.PriorityHigh, Created: base.Add(50 * time.Minute), Description: "internet down"},
		{ID: "INC101", SiteID: "S2", Priority: types.PriorityLow, Created: base, Description: "printer jammed"},
		{ID: "INC102", SiteID: "S2", Priority: types.PriorityLow, Created: base.Add(time.Hour), Description: "printer stuck"},
	})
	require.NoError(t, err)

	_, err = store.ReconcileGroups(ctx, []*types.DuplicateGroup{
		{ID: "dg-s1", SiteID: "S1", Members: []string{"INC001", "INC002", "INC003"}, Confidence: 0.9, Status: types.GroupPending},
		{ID: "dg-s2", SiteID: "S2", Members: []string{"INC101", "INC102"}, Confidence: 0.8, Status: types.GroupPending},
	}, storage.ReconcileOptions{Now: base})
	require.NoError(t, err)
	return store
}

func newPipeline(t *testing.T, store storage.Storage, applier Applier, opts ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := &Config{Store: store, Applier: applier, Logger: logging.Discard()}
	for _, o := range opts {
		o(cfg)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func newEngine(store storage.Storage) *merge.Engine {
	return merge.New(store, merge.WithLogger(logging.Discard()), merge.WithClock(func() time.Time { return base.Add(6 * time.Hour) }))
}

func statuses(res *Result) []Status {
	out := make([]Status, len(res.Decisions))
	for i, d := range res.Decisions {
		out[i] = d.Status
	}
	return out
}

func TestApplyPendingInSubmissionOrder(t *testing.T) {
	store := newStore(t)
	p := newPipeline(t, store, newEngine(store))
	low := types.PriorityLow

	res, err := p.ApplyPending(context.Background(), []types.Decision{
		types.MergeDecision{GroupID: "dg-s1", PrimaryID: "INC001", Included: []string{"INC001", "INC002", "INC003"}, User: "alice"},
		types.DismissDecision{GroupID: "dg-s1", Notes: "too late", User: "bob"},
		types.DismissDecision{GroupID: "dg-missing", Notes: "gone", User: "bob"},
		types.CorrectionDecision{TicketID: "INC101", Correction: types.Correction{Priority: &low, Category: ptr("Hardware")}, User: "carol"},
		types.SkipDecision{GroupID: "dg-s2", User: "carol"},
		nil,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, []Status{StatusApplied, StatusRejected, StatusRejected, StatusApplied, StatusApplied, StatusRejected}, statuses(res))
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, res.Rejected)

	assert.Equal(t, types.KindConflict, res.Decisions[1].Kind)
	assert.Contains(t, res.Decisions[1].Reason, "not pending")
	assert.Equal(t, types.KindNotFound, res.Decisions[2].Kind)
	assert.Equal(t, types.KindValidation, res.Decisions[5].Kind)

	// Audit entries follow submission order
	mergeEntry := res.Decisions[0].Result.Entry.ID
	correctEntry := res.Decisions[3].Result.Entry.ID
	assert.Less(t, mergeEntry, correctEntry)
	assert.Equal(t, []int64{mergeEntry, correctEntry}, res.Changes.Entries)

	assert.Equal(t, []string{"INC001", "INC002", "INC003", "INC101"}, res.Changes.Tickets)
	assert.Equal(t, []string{"dg-s1", "dg-s2"}, res.Changes.Groups)
	assert.Equal(t, []string{"S1", "S2"}, res.Changes.Sites)
	assert.True(t, res.Changes.StatsChanged)

	s1 := res.Stats.Sites["S1"]
	assert.Equal(t, 3, s1.Total)
	assert.Equal(t, 1, s1.Active)
	assert.Equal(t, 2, s1.Inactive)
	assert.Equal(t, map[string]int{"Critical": 1}, s1.ByPriority)
	assert.Equal(t, map[string]int{"merged": 3}, s1.ByReview)
	assert.Equal(t, map[string]int{"merged": 1, "skipped": 1}, res.Stats.GroupsByStatus)
	assert.Equal(t, 5, res.Stats.Tickets)
	assert.Equal(t, 3, res.Stats.Active)
}

func TestEmptyBatchReproducesStatistics(t *testing.T) {
	store := newStore(t)
	p := newPipeline(t, store, newEngine(store))
	ctx := context.Background()

	_, err := p.ApplyPending(ctx, []types.Decision{
		types.MergeDecision{GroupID: "dg-s2", PrimaryID: "INC101", Included: []string{"INC101", "INC102"}, User: "alice"},
	})
	require.NoError(t, err)

	first, err := p.ApplyPending(ctx, nil)
	require.NoError(t, err)
	second, err := p.ApplyPending(ctx, []types.Decision{})
	require.NoError(t, err)

	assert.True(t, first.Changes.IsEmpty())
	assert.True(t, second.Changes.IsEmpty())
	assert.Equal(t, first.Stats.Fingerprint, second.Stats.Fingerprint)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	a, err := first.Stats.Canonical()
	require.NoError(t, err)
	b, err := second.Stats.Canonical()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// cancellingApplier cancels the batch context once its first merge lands.
type cancellingApplier struct {
	*merge.Engine
	cancel context.CancelFunc
}

func (c *cancellingApplier) Merge(ctx context.Context, d types.MergeDecision) (*merge.Result, error) {
	defer c.cancel()
	return c.Engine.Merge(ctx, d)
}

func TestCancellationStopsBetweenDecisions(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPipeline(t, store, &cancellingApplier{Engine: newEngine(store), cancel: cancel})

	res, err := p.ApplyPending(ctx, []types.Decision{
		types.MergeDecision{GroupID: "dg-s2", PrimaryID: "INC101", Included: []string{"INC101", "INC102"}, User: "alice"},
		types.DismissDecision{GroupID: "dg-s1", Notes: "unrelated", User: "alice"},
		types.SkipDecision{GroupID: "dg-s1", User: "alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusApplied, StatusCancelled, StatusCancelled}, statuses(res))
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, []string{"INC101", "INC102"}, res.Changes.Tickets)

	g, err := store.GetGroup(context.Background(), "dg-s1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupPending, g.Status)
}

// brokenApplier fails every dismissal with a store error.
type brokenApplier struct {
	*merge.Engine
}

func (brokenApplier) Dismiss(context.Context, types.DismissDecision) (*merge.Result, error) {
	return nil, types.StorageError(errors.New("database is locked"), "failed to update group")
}

func TestStorageFailureKeepsEarlierDecisions(t *testing.T) {
	store := newStore(t)
	p := newPipeline(t, store, brokenApplier{newEngine(store)})

	res, err := p.ApplyPending(context.Background(), []types.Decision{
		types.MergeDecision{GroupID: "dg-s2", PrimaryID: "INC102", Included: []string{"INC101", "INC102"}, User: "alice"},
		types.DismissDecision{GroupID: "dg-s1", Notes: "unrelated", User: "alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusApplied, StatusFailed}, statuses(res))
	assert.Equal(t, types.KindStorage, res.Decisions[1].Kind)
	assert.Contains(t, res.Decisions[1].Reason, "database is locked")
	assert.Error(t, res.Decisions[1].Err)

	st, err := store.GetTicket(context.Background(), "INC101")
	require.NoError(t, err)
	assert.Equal(t, "INC102", st.State.MergedInto)
}

func TestImmediatePolicyReclustersExcludedMembers(t *testing.T) {
	store := newStore(t)
	var offered []string
	p := newPipeline(t, store, newEngine(store), func(c *Config) {
		c.PartialMergePolicy = types.PartialMergeImmediate
		c.Reclusterer = func(_ context.Context, ids []string) ([]string, error) {
			offered = append(offered, ids...)
			return []string{"dg-regrouped"}, nil
		}
	})

	res, err := p.ApplyPending(context.Background(), []types.Decision{
		types.MergeDecision{GroupID: "dg-s1", PrimaryID: "INC001", Included: []string{"INC001", "INC002"}, User: "alice"},
		types.MergeDecision{GroupID: "dg-s2", PrimaryID: "INC101", Included: []string{"INC101", "INC102"}, User: "alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"INC003"}, offered)
	assert.Equal(t, []string{"dg-regrouped"}, res.Decisions[0].Regrouped)
	assert.Empty(t, res.Decisions[1].Regrouped)
	assert.Equal(t, []string{"dg-regrouped", "dg-s1", "dg-s2"}, res.Changes.Groups)
}

func TestNextPassPolicyLeavesExcludedMembers(t *testing.T) {
	store := newStore(t)
	p := newPipeline(t, store, newEngine(store), func(c *Config) {
		c.Reclusterer = func(context.Context, []string) ([]string, error) {
			t.Fatal("reclusterer must not run under the next_pass policy")
			return nil, nil
		}
	})

	res, err := p.ApplyPending(context.Background(), []types.Decision{
		types.MergeDecision{GroupID: "dg-s1", PrimaryID: "INC001", Included: []string{"INC001", "INC002"}, User: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"INC003"}, res.Decisions[0].Result.Excluded)
	assert.Nil(t, res.Decisions[0].Regrouped)
}

func TestNewPipelineValidation(t *testing.T) {
	store := newStore(t)
	engine := newEngine(store)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Applier: engine}},
		{"missing applier", Config{Store: store}},
		{"unknown policy", Config{Store: store, Applier: engine, PartialMergePolicy: "later"}},
		{"immediate without reclusterer", Config{Store: store, Applier: engine, PartialMergePolicy: types.PartialMergeImmediate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline(&tt.cfg)
			assert.Error(t, err)
		})
	}
}

func ptr[T any](v T) *T { return &v }
