package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "quality.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ticket(id, site string, offset time.Duration, desc string) types.Ticket {
	return types.Ticket{
		ID:          id,
		SiteID:      site,
		Priority:    types.PriorityHigh,
		Created:     t0.Add(offset),
		Description: desc,
		Category:    "Network",
	}
}

func ingest(t *testing.T, s *SQLiteStorage, tickets ...types.Ticket) {
	t.Helper()
	res, err := s.IngestTickets(context.Background(), tickets)
	require.NoError(t, err)
	require.Len(t, res.Inserted, len(tickets))
}

func TestNewInMemory(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ingest(t, s, ticket("INC001", "Site1", 0, "network failure"))
	got, err := s.GetTicket(context.Background(), "INC001")
	require.NoError(t, err)
	assert.Equal(t, "network failure", got.Original.Description)
}

func TestIngestTickets(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	resolved := t0.Add(2 * time.Hour)
	a := ticket("INC001", "Site1", 0, "network failure")
	a.Resolved = &resolved
	b := ticket("INC002", "Site1", 3*time.Minute, "network outage")

	res, err := s.IngestTickets(ctx, []types.Ticket{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"INC001", "INC002"}, res.Inserted)

	changed := b
	changed.Description = "printer jammed"
	res, err = s.IngestTickets(ctx, []types.Ticket{a, changed})
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, []string{"INC001"}, res.Unchanged)
	assert.Equal(t, []string{"INC002"}, res.Conflicts)

	// Stored tickets are never modified by re-ingestion
	got, err := s.GetTicket(ctx, "INC002")
	require.NoError(t, err)
	assert.Equal(t, "network outage", got.Original.Description)

	got, err = s.GetTicket(ctx, "INC001")
	require.NoError(t, err)
	require.NotNil(t, got.Original.Resolved)
	assert.WithinDuration(t, resolved, *got.Original.Resolved, 0)
	assert.WithinDuration(t, t0, got.Original.Created, 0)
	assert.Equal(t, types.InitialState("INC001"), got.State)
}

func TestIngestTicketsRejectsInvalidBatch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	bad := ticket("INC002", "", 0, "missing site")
	_, err := s.IngestTickets(ctx, []types.Ticket{ticket("INC001", "Site1", 0, "ok"), bad})
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.ErrorKindOf(err))

	_, err = s.GetTicket(ctx, "INC001")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestListTicketsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s,
		ticket("C", "Site1", 2*time.Hour, "c"),
		ticket("A", "Site1", 0, "a"),
		ticket("B", "Site2", time.Hour, "b"),
	)

	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		st := types.InitialState("C")
		st.IsActive = false
		st.MergedInto = "A"
		st.ReviewStatus = types.ReviewMerged
		return tx.PutTicketState(ctx, st)
	})
	require.NoError(t, err)

	all, err := s.ListTickets(ctx, types.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A", all[0].Original.ID)
	assert.Equal(t, "B", all[1].Original.ID)
	assert.Equal(t, "C", all[2].Original.ID)

	site1, err := s.ListTickets(ctx, types.TicketFilter{SiteIDs: []string{"Site1"}, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, site1, 1)
	assert.Equal(t, "A", site1[0].Original.ID)

	byID, err := s.ListTickets(ctx, types.TicketFilter{IDs: []string{"B", "C"}})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
}

func TestTicketStateOverrides(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s, ticket("INC001", "Site1", 0, "network failure"), ticket("INC002", "Site1", time.Minute, "x"))

	desc := ""
	created := t0.Add(-time.Hour)
	prio := types.PriorityCritical
	cat := "Power"
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		st, err := tx.GetTicket(ctx, "INC001")
		if err != nil {
			return err
		}
		state := st.State
		state.ReviewStatus = types.ReviewMerged
		state.Overrides = types.TicketOverrides{Description: &desc, Created: &created, Priority: &prio, Category: &cat}
		return tx.PutTicketState(ctx, state)
	})
	require.NoError(t, err)

	got, err := s.GetTicket(ctx, "INC001")
	require.NoError(t, err)
	eff := got.Effective()
	assert.Equal(t, "", eff.Description, "an empty override still overrides")
	assert.WithinDuration(t, created, eff.Created, 0)
	assert.Equal(t, types.PriorityCritical, eff.Priority)
	assert.Equal(t, "Power", eff.Category)
	assert.Equal(t, "", eff.Subcategory)
	assert.Nil(t, got.State.Overrides.Subcategory)
	assert.Equal(t, "network failure", got.Original.Description)
}

func TestPutTicketStateValidation(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s, ticket("INC001", "Site1", 0, "x"))

	tests := []struct {
		name  string
		state types.TicketState
		kind  types.ErrorKind
	}{
		{"missing ticket", types.InitialState("NOPE"), types.KindNotFound},
		{"self merge", types.TicketState{TicketID: "INC001", MergedInto: "INC001", ReviewStatus: types.ReviewMerged}, types.KindValidation},
		{"inactive without target", types.TicketState{TicketID: "INC001", ReviewStatus: types.ReviewMerged}, types.KindValidation},
		{"bad review status", types.TicketState{TicketID: "INC001", IsActive: true, ReviewStatus: "maybe"}, types.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.RunInTx(ctx, func(tx storage.Tx) error {
				return tx.PutTicketState(ctx, tt.state)
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.ErrorKindOf(err))
		})
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s, ticket("A", "Site1", 0, "a"), ticket("B", "Site1", 0, "b"))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		st := types.InitialState("B")
		st.IsActive = false
		st.MergedInto = "A"
		st.ReviewStatus = types.ReviewMerged
		if err := tx.PutTicketState(ctx, st); err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, &types.AuditEntry{
			Timestamp: t0, Action: types.ActionMerge, User: "alice", Tickets: []string{"A", "B"}, Reversible: true,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetTicket(ctx, "B")
	require.NoError(t, err)
	assert.True(t, got.State.IsActive)

	stats, err := s.AuditStats(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
}

func pendingGroup(id, site string, conf float64, members ...string) *types.DuplicateGroup {
	return &types.DuplicateGroup{
		ID:         id,
		SiteID:     site,
		Members:    members,
		Confidence: conf,
		Status:     types.GroupPending,
		Evidence: []types.PairScore{{
			A: members[0], B: members[1],
			Score: types.ScoreBreakdown{Description: 1, Date: 0.9, Priority: 1, Total: conf},
		}},
	}
}

func setStatus(t *testing.T, s *SQLiteStorage, id string, status types.GroupStatus) {
	t.Helper()
	err := s.RunInTx(context.Background(), func(tx storage.Tx) error {
		return tx.SetGroupStatus(context.Background(), id, status, t0)
	})
	require.NoError(t, err)
}

func TestReconcileGroups(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s,
		ticket("A", "S1", 0, "a"), ticket("B", "S1", 0, "b"),
		ticket("C", "S1", 0, "c"), ticket("D", "S1", 0, "d"),
		ticket("E", "S2", 0, "e"), ticket("F", "S2", 0, "f"),
	)

	ab := pendingGroup("dg-ab", "S1", 0.8, "A", "B")
	ef := pendingGroup("dg-ef", "S2", 0.9, "E", "F")

	// New groups are created pending
	res, err := s.ReconcileGroups(ctx, []*types.DuplicateGroup{ab, ef}, storage.ReconcileOptions{DropStale: true, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-ab", "dg-ef"}, res.Created)

	got, err := s.GetGroup(ctx, "dg-ab")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.Members)
	assert.Equal(t, types.GroupPending, got.Status)
	assert.Equal(t, ab.Evidence, got.Evidence)
	assert.WithinDuration(t, t0, got.CreatedAt, 0)

	// Reproduced pending groups are refreshed
	ab.Confidence = 0.85
	t1 := t0.Add(time.Hour)
	res, err = s.ReconcileGroups(ctx, []*types.DuplicateGroup{ab}, storage.ReconcileOptions{DropStale: true, Now: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-ab"}, res.Refreshed)
	got, err = s.GetGroup(ctx, "dg-ab")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, got.Confidence, 1e-12)
	assert.WithinDuration(t, t0, got.CreatedAt, 0)
	assert.WithinDuration(t, t1, got.UpdatedAt, 0)

	// Site S2 was out of scope, so its group survived
	_, err = s.GetGroup(ctx, "dg-ef")
	require.NoError(t, err)

	// Skipped groups are offered again
	setStatus(t, s, "dg-ab", types.GroupSkipped)
	res, err = s.ReconcileGroups(ctx, []*types.DuplicateGroup{ab}, storage.ReconcileOptions{Now: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-ab"}, res.Reoffered)
	got, err = s.GetGroup(ctx, "dg-ab")
	require.NoError(t, err)
	assert.Equal(t, types.GroupPending, got.Status)

	// A ticket never sits in two pending groups
	bc := pendingGroup("dg-bc", "S1", 0.75, "B", "C")
	res, err = s.ReconcileGroups(ctx, []*types.DuplicateGroup{bc}, storage.ReconcileOptions{Now: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-bc"}, res.Blocked)
	assert.Empty(t, res.Created)

	// Stale pending groups in scope are dropped on a full pass
	cd := pendingGroup("dg-cd", "S1", 0.75, "C", "D")
	res, err = s.ReconcileGroups(ctx, []*types.DuplicateGroup{cd}, storage.ReconcileOptions{DropStale: true, Now: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-ab"}, res.Dropped)
	assert.Equal(t, []string{"dg-cd"}, res.Created)
	_, err = s.GetGroup(ctx, "dg-ab")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	// Decided groups are never re-offered or dropped
	setStatus(t, s, "dg-cd", types.GroupMerged)
	res, err = s.ReconcileGroups(ctx, []*types.DuplicateGroup{cd}, storage.ReconcileOptions{DropStale: true, Now: t1})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-cd"}, res.Unchanged)
	res, err = s.ReconcileGroups(ctx, nil, storage.ReconcileOptions{DropStale: true, Sites: []string{"S1"}, Now: t1})
	require.NoError(t, err)
	assert.Empty(t, res.Dropped)
	got, err = s.GetGroup(ctx, "dg-cd")
	require.NoError(t, err)
	assert.Equal(t, types.GroupMerged, got.Status)
}

func TestReconcileGroupsValidation(t *testing.T) {
	s := newTestStorage(t)
	bad := &types.DuplicateGroup{ID: "dg-x", SiteID: "S1", Members: []string{"B", "A"}, Confidence: 0.8}
	_, err := s.ReconcileGroups(context.Background(), []*types.DuplicateGroup{bad}, storage.ReconcileOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.ErrorKindOf(err))
}

func TestListGroupsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s,
		ticket("A", "S1", 0, "a"), ticket("B", "S1", 0, "b"),
		ticket("C", "S1", 0, "c"), ticket("D", "S1", 0, "d"),
		ticket("E", "S2", 0, "e"), ticket("F", "S2", 0, "f"),
	)
	_, err := s.ReconcileGroups(ctx, []*types.DuplicateGroup{
		pendingGroup("dg-ab", "S1", 0.7, "A", "B"),
		pendingGroup("dg-cd", "S1", 0.95, "C", "D"),
		pendingGroup("dg-ef", "S2", 0.8, "E", "F"),
	}, storage.ReconcileOptions{Now: t0})
	require.NoError(t, err)
	setStatus(t, s, "dg-cd", types.GroupDismissed)

	all, err := s.ListGroups(ctx, types.GroupFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dg-cd", all[0].ID, "highest confidence first")
	assert.Equal(t, []string{"C", "D"}, all[0].Members)

	pending, err := s.ListGroups(ctx, types.GroupFilter{Statuses: []types.GroupStatus{types.GroupPending}, SiteIDs: []string{"S1"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "dg-ab", pending[0].ID)

	byTicket, err := s.ListGroups(ctx, types.GroupFilter{TicketID: "F"})
	require.NoError(t, err)
	require.Len(t, byTicket, 1)
	assert.Equal(t, "dg-ef", byTicket[0].ID)
}

func TestDropOpenGroupsOverlapping(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ingest(t, s, ticket("A", "S1", 0, "a"), ticket("B", "S1", 0, "b"), ticket("C", "S1", 0, "c"), ticket("D", "S1", 0, "d"))
	_, err := s.ReconcileGroups(ctx, []*types.DuplicateGroup{
		pendingGroup("dg-ab", "S1", 0.8, "A", "B"),
		pendingGroup("dg-cd", "S1", 0.8, "C", "D"),
	}, storage.ReconcileOptions{Now: t0})
	require.NoError(t, err)

	var dropped []string
	err = s.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		dropped, err = tx.DropOpenGroupsOverlapping(ctx, []string{"A", "C"}, "dg-ab")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dg-cd"}, dropped)

	remaining, err := s.ListGroups(ctx, types.GroupFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "dg-ab", remaining[0].ID)
}

func TestSetGroupStatusMissing(t *testing.T) {
	s := newTestStorage(t)
	err := s.RunInTx(context.Background(), func(tx storage.Tx) error {
		return tx.SetGroupStatus(context.Background(), "dg-missing", types.GroupMerged, t0)
	})
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
