package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

func appendEntry(t *testing.T, s *SQLiteStorage, e *types.AuditEntry) int64 {
	t.Helper()
	var id int64
	err := s.RunInTx(context.Background(), func(tx storage.Tx) error {
		var err error
		id, err = tx.AppendAudit(context.Background(), e)
		return err
	})
	require.NoError(t, err)
	return id
}

func mergeEntry(ts time.Time, user string, tickets ...string) *types.AuditEntry {
	return &types.AuditEntry{
		Timestamp:   ts,
		Action:      types.ActionMerge,
		User:        user,
		Tickets:     tickets,
		Description: "merged duplicates",
		Reversible:  true,
		Metadata: types.AuditMetadata{
			GroupID:    "dg-1",
			Confidence: 0.97,
			PrimaryID:  tickets[0],
			Included:   tickets,
		},
	}
}

func reversalOf(id int64, ts time.Time) *types.AuditEntry {
	return &types.AuditEntry{
		Timestamp: ts,
		Action:    types.ActionReversal,
		User:      "bob",
		Reverses:  id,
		Metadata:  types.AuditMetadata{ReversedAction: types.ActionMerge, Notes: "wrong call"},
	}
}

func TestAppendAndGetAuditEntry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	e := mergeEntry(t0, "alice", "INC002", "INC001", "INC002")
	id := appendEntry(t, s, e)
	assert.Equal(t, id, e.ID)

	got, err := s.GetAuditEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ActionMerge, got.Action)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, []string{"INC001", "INC002"}, got.Tickets, "tickets are sorted and unique")
	assert.WithinDuration(t, t0, got.Timestamp, 0)
	assert.True(t, got.Reversible)
	assert.Equal(t, "dg-1", got.Metadata.GroupID)
	assert.InDelta(t, 0.97, got.Metadata.Confidence, 1e-12)
	assert.False(t, got.IsReversed())

	_, err = s.GetAuditEntry(ctx, 999)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestAppendAuditValidation(t *testing.T) {
	s := newTestStorage(t)
	dismiss := appendEntry(t, s, &types.AuditEntry{
		Timestamp: t0, Action: types.ActionDismiss, User: "alice", Tickets: []string{"A"},
	})

	tests := []struct {
		name  string
		entry *types.AuditEntry
		kind  types.ErrorKind
	}{
		{"missing user", &types.AuditEntry{Timestamp: t0, Action: types.ActionMerge}, types.KindValidation},
		{"unknown action", &types.AuditEntry{Timestamp: t0, Action: "purge", User: "a"}, types.KindValidation},
		{"missing timestamp", &types.AuditEntry{Action: types.ActionMerge, User: "a"}, types.KindValidation},
		{"reversal without target", &types.AuditEntry{Timestamp: t0, Action: types.ActionReversal, User: "a"}, types.KindValidation},
		{"non-reversal with target", &types.AuditEntry{Timestamp: t0, Action: types.ActionMerge, User: "a", Reverses: dismiss}, types.KindValidation},
		{"reversal of missing entry", reversalOf(12345, t0), types.KindReferenceIntegrity},
		{"reversal of irreversible entry", reversalOf(dismiss, t0), types.KindReferenceIntegrity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.RunInTx(context.Background(), func(tx storage.Tx) error {
				_, err := tx.AppendAudit(context.Background(), tt.entry)
				return err
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.ErrorKindOf(err))
		})
	}
}

func TestReversalChain(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	merge := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	var reversal int64
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		if reversal, err = tx.AppendAudit(ctx, reversalOf(merge, t0.Add(time.Hour))); err != nil {
			return err
		}
		return tx.MarkReversed(ctx, merge, reversal)
	})
	require.NoError(t, err)

	got, err := s.GetAuditEntry(ctx, merge)
	require.NoError(t, err)
	assert.False(t, got.Reversible)
	assert.Equal(t, reversal, got.ReversedBy)

	rev, err := s.GetAuditEntry(ctx, reversal)
	require.NoError(t, err)
	assert.Equal(t, merge, rev.Reverses)
	assert.False(t, rev.Reversible)

	// A second reversal of the same entry is refused
	err = s.RunInTx(ctx, func(tx storage.Tx) error {
		_, err := tx.AppendAudit(ctx, reversalOf(merge, t0.Add(2*time.Hour)))
		return err
	})
	assert.True(t, types.IsKind(err, types.KindReferenceIntegrity))

	err = s.RunInTx(ctx, func(tx storage.Tx) error { return tx.MarkReversed(ctx, merge, reversal) })
	assert.True(t, types.IsKind(err, types.KindReferenceIntegrity))

	err = s.RunInTx(ctx, func(tx storage.Tx) error { return tx.MarkReversed(ctx, 4242, reversal) })
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestAuditEntriesAreAppendOnly(t *testing.T) {
	s := newTestStorage(t)
	id := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))

	_, err := s.db.Exec("UPDATE audit_entries SET description = 'rewritten' WHERE id = ?", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func collect(t *testing.T, s *SQLiteStorage, filter types.AuditFilter) []int64 {
	t.Helper()
	var ids []int64
	for e, err := range s.AuditHistory(context.Background(), filter) {
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func descending(from, to int64) []int64 {
	var ids []int64
	for id := from; id >= to; id-- {
		ids = append(ids, id)
	}
	return ids
}

func TestAuditHistoryPagination(t *testing.T) {
	s := newTestStorage(t)

	// Three entries share every timestamp so pages must break ties by id
	const n = 250
	for i := range n {
		appendEntry(t, s, mergeEntry(t0.Add(time.Duration(i/3)*time.Minute), "alice", fmt.Sprintf("T%03d", i), "X"))
	}

	assert.Equal(t, descending(n, 1), collect(t, s, types.AuditFilter{}))
	assert.Equal(t, descending(240, 121), collect(t, s, types.AuditFilter{Limit: 120, Offset: 10}))
	assert.Equal(t, descending(n, 1), collect(t, s, types.AuditFilter{Limit: n}))
	assert.Empty(t, collect(t, s, types.AuditFilter{Offset: n}))

	// Stopping early ends the iteration without error
	count := 0
	for range s.AuditHistory(context.Background(), types.AuditFilter{}) {
		count++
		if count == 5 {
			break
		}
	}
	assert.Equal(t, 5, count)
}

func TestAuditHistoryFilters(t *testing.T) {
	s := newTestStorage(t)

	m1 := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	d1 := appendEntry(t, s, &types.AuditEntry{
		Timestamp: t0.Add(time.Hour), Action: types.ActionDismiss, User: "bob", Tickets: []string{"C", "D"}, Reversible: true,
	})
	m2 := appendEntry(t, s, mergeEntry(t0.Add(2*time.Hour), "bob", "B", "E"))
	r1 := appendEntry(t, s, reversalOf(d1, t0.Add(3*time.Hour)))

	tests := []struct {
		name   string
		filter types.AuditFilter
		want   []int64
	}{
		{"all", types.AuditFilter{}, []int64{r1, m2, d1, m1}},
		{"by kind", types.AuditFilter{Kinds: []types.ActionKind{types.ActionMerge}}, []int64{m2, m1}},
		{"by user", types.AuditFilter{User: "bob"}, []int64{r1, m2, d1}},
		{"by ticket", types.AuditFilter{TicketID: "B"}, []int64{m2, m1}},
		{"since", types.AuditFilter{Since: t0.Add(time.Hour)}, []int64{r1, m2, d1}},
		{"until is exclusive", types.AuditFilter{Until: t0.Add(2 * time.Hour)}, []int64{d1, m1}},
		{"window and user", types.AuditFilter{Since: t0.Add(30 * time.Minute), Until: t0.Add(150 * time.Minute), User: "bob"}, []int64{m2, d1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, s, tt.filter))
		})
	}
}

func TestAuditHistoryRejectsBadFilter(t *testing.T) {
	s := newTestStorage(t)
	for _, f := range []types.AuditFilter{
		{Limit: -1},
		{Since: t0, Until: t0.Add(-time.Hour)},
		{Kinds: []types.ActionKind{"purge"}},
	} {
		var got error
		for _, err := range s.AuditHistory(context.Background(), f) {
			got = err
		}
		assert.True(t, types.IsKind(got, types.KindValidation), "filter %+v", f)
	}
}

func TestAuditStats(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := t0.AddDate(0, 0, 30)

	empty, err := s.AuditStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalEntries)
	assert.Nil(t, empty.OldestEntry)

	m1 := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	appendEntry(t, s, mergeEntry(now.Add(-24*time.Hour), "bob", "C", "D"))
	err = s.RunInTx(ctx, func(tx storage.Tx) error {
		r, err := tx.AppendAudit(ctx, reversalOf(m1, now.Add(-time.Hour)))
		if err != nil {
			return err
		}
		return tx.MarkReversed(ctx, m1, r)
	})
	require.NoError(t, err)

	stats, err := s.AuditStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, map[types.ActionKind]int{types.ActionMerge: 2, types.ActionReversal: 1}, stats.EntriesByAction)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 2}, stats.EntriesByUser)
	assert.Equal(t, 2, stats.RecentEntries)
	assert.Equal(t, 1, stats.ReversedEntries)
	require.NotNil(t, stats.OldestEntry)
	require.NotNil(t, stats.NewestEntry)
	assert.WithinDuration(t, t0, *stats.OldestEntry, 0)
	assert.WithinDuration(t, now.Add(-time.Hour), *stats.NewestEntry, 0)
}

func TestEvictAuditByAgeProtectsReversedEntries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := t0.AddDate(2, 0, 0)

	old := appendEntry(t, s, mergeEntry(now.AddDate(0, 0, -400), "alice", "A", "B"))
	expired := appendEntry(t, s, &types.AuditEntry{
		Timestamp: now.AddDate(0, 0, -500), Action: types.ActionDismiss, User: "alice", Tickets: []string{"C"},
	})
	var reversal int64
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		if reversal, err = tx.AppendAudit(ctx, reversalOf(old, now.AddDate(0, 0, -1))); err != nil {
			return err
		}
		return tx.MarkReversed(ctx, old, reversal)
	})
	require.NoError(t, err)
	recent := appendEntry(t, s, mergeEntry(now.AddDate(0, 0, -2), "bob", "E", "F"))

	res, err := s.EvictAudit(ctx, types.RetentionPolicy{RetentionDays: 365, BatchSize: 10}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ByAge)
	assert.Equal(t, []int64{expired}, res.EvictedIDs)
	assert.Equal(t, 1, res.Protected)
	assert.Equal(t, 3, res.Remaining)

	_, err = s.GetAuditEntry(ctx, old)
	require.NoError(t, err, "entry referenced by a reversal survives")
	_, err = s.GetAuditEntry(ctx, recent)
	require.NoError(t, err)

	// The index rows went with the evicted entry
	assert.Empty(t, collect(t, s, types.AuditFilter{TicketID: "C"}))
}

func TestEvictAuditByCount(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := range 10 {
		appendEntry(t, s, mergeEntry(t0.Add(time.Duration(i)*time.Minute), "alice", fmt.Sprintf("T%d", i), "X"))
	}

	res, err := s.EvictAudit(ctx, types.RetentionPolicy{MaxEntries: 4, BatchSize: 3}, t0)
	require.NoError(t, err)
	assert.Equal(t, 6, res.ByCount)
	assert.Equal(t, 0, res.ByAge)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, res.EvictedIDs)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, 6, res.Total())
	assert.Equal(t, descending(10, 7), collect(t, s, types.AuditFilter{}))

	// Under the limit nothing happens
	res, err = s.EvictAudit(ctx, types.RetentionPolicy{MaxEntries: 4, BatchSize: 3}, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
}

func TestEvictAuditByCountKeepsNewestEntries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	second := appendEntry(t, s, mergeEntry(t0.Add(time.Minute), "alice", "C", "D"))
	var reversal int64
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		if reversal, err = tx.AppendAudit(ctx, reversalOf(first, t0.Add(2*time.Minute))); err != nil {
			return err
		}
		return tx.MarkReversed(ctx, first, reversal)
	})
	require.NoError(t, err)

	res, err := s.EvictAudit(ctx, types.RetentionPolicy{MaxEntries: 1, BatchSize: 5}, t0)
	require.NoError(t, err)
	// The newest entry is the reversal, which keeps the first merge alive
	assert.Equal(t, []int64{second}, res.EvictedIDs)
	assert.Equal(t, 1, res.ByCount)
	assert.Equal(t, 2, res.Remaining, "protected entries may keep the trail over the limit")
	assert.Equal(t, 1, res.Protected)

	got, err := s.GetAuditEntry(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, reversal, got.ReversedBy)
	_, err = s.GetAuditEntry(ctx, reversal)
	require.NoError(t, err)
}

func TestEvictAuditByCountNeverTakesTheLatestDecision(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	var reversal int64
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		if reversal, err = tx.AppendAudit(ctx, reversalOf(first, t0.Add(time.Minute))); err != nil {
			return err
		}
		return tx.MarkReversed(ctx, first, reversal)
	})
	require.NoError(t, err)
	latest := appendEntry(t, s, mergeEntry(t0.Add(2*time.Minute), "alice", "C", "D"))

	res, err := s.EvictAudit(ctx, types.RetentionPolicy{MaxEntries: 1, BatchSize: 5}, t0)
	require.NoError(t, err)
	// The reversal goes first, which releases the merge it undid
	assert.Equal(t, []int64{reversal, first}, res.EvictedIDs)
	assert.Equal(t, 2, res.ByCount)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 0, res.Protected)

	got, err := s.GetAuditEntry(ctx, latest)
	require.NoError(t, err)
	assert.True(t, got.Reversible)
	_, err = s.GetAuditEntry(ctx, first)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestEvictAuditCountsProtectedAcrossCriteria(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := t0.AddDate(2, 0, 0)

	// Two expired merges, both reversed recently
	var merges []int64
	for i, tickets := range [][]string{{"A", "B"}, {"C", "D"}} {
		m := appendEntry(t, s, mergeEntry(now.AddDate(0, 0, -500+i), "alice", tickets...))
		err := s.RunInTx(ctx, func(tx storage.Tx) error {
			r, err := tx.AppendAudit(ctx, reversalOf(m, now.Add(time.Duration(-10+i)*time.Hour)))
			if err != nil {
				return err
			}
			return tx.MarkReversed(ctx, m, r)
		})
		require.NoError(t, err)
		merges = append(merges, m)
	}
	dismissal := appendEntry(t, s, &types.AuditEntry{
		Timestamp: now.AddDate(0, 0, -200), Action: types.ActionDismiss, User: "alice", Tickets: []string{"G"},
	})
	appendEntry(t, s, mergeEntry(now.Add(-time.Hour), "bob", "E", "F"))

	res, err := s.EvictAudit(ctx, types.RetentionPolicy{RetentionDays: 365, MaxEntries: 3, BatchSize: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ByAge)
	assert.Equal(t, 1, res.ByCount)
	assert.Equal(t, []int64{dismissal}, res.EvictedIDs)
	// Each merge is both expired and outside the newest three, but counts once
	assert.Equal(t, 2, res.Protected)
	assert.Equal(t, 5, res.Remaining)

	for _, id := range merges {
		_, err := s.GetAuditEntry(ctx, id)
		require.NoError(t, err)
	}
}

func TestEvictAuditValidation(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.EvictAudit(context.Background(), types.RetentionPolicy{RetentionDays: -1, BatchSize: 1}, t0)
	assert.True(t, types.IsKind(err, types.KindValidation))
	_, err = s.EvictAudit(context.Background(), types.RetentionPolicy{RetentionDays: 1}, t0)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestEvictAuditEntry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	merge := appendEntry(t, s, mergeEntry(t0, "alice", "A", "B"))
	reversal := appendEntry(t, s, reversalOf(merge, t0.Add(time.Hour)))

	err := s.EvictAuditEntry(ctx, merge)
	assert.True(t, types.IsKind(err, types.KindReferenceIntegrity))

	err = s.EvictAuditEntry(ctx, 777)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	require.NoError(t, s.EvictAuditEntry(ctx, reversal))
	require.NoError(t, s.EvictAuditEntry(ctx, merge))

	stats, err := s.AuditStats(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
}
