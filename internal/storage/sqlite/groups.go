package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

const groupColumns = "g.id, g.site_id, g.confidence, g.status, g.evidence, g.created_at, g.updated_at"

// memberChunk bounds the number of bound parameters in member IN lists.
const memberChunk = 500

// GetGroup retrieves a duplicate group by ID
func (s *SQLiteStorage) GetGroup(ctx context.Context, id string) (*types.DuplicateGroup, error) {
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q querier, id string) (*types.DuplicateGroup, error) {
	row := q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM duplicate_groups g WHERE g.id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundError("duplicate group not found: %s", id)
	}
	if err != nil {
		return nil, types.StorageError(err, "failed to get group %s", id)
	}
	if err := loadMembers(ctx, q, []*types.DuplicateGroup{g}); err != nil {
		return nil, err
	}
	return g, nil
}

// ListGroups returns groups matching the filter, highest confidence first.
func (s *SQLiteStorage) ListGroups(ctx context.Context, filter types.GroupFilter) ([]*types.DuplicateGroup, error) {
	return listGroups(ctx, s.db, filter)
}

func listGroups(ctx context.Context, q querier, filter types.GroupFilter) ([]*types.DuplicateGroup, error) {
	b := sq.Select(groupColumns).
		From("duplicate_groups g").
		OrderBy("g.confidence DESC", "g.id ASC")

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		b = b.Where(sq.Eq{"g.status": statuses})
	}
	if len(filter.SiteIDs) > 0 {
		b = b.Where(sq.Eq{"g.site_id": filter.SiteIDs})
	}
	if filter.TicketID != "" {
		b = b.Where("g.id IN (SELECT group_id FROM group_members WHERE ticket_id = ?)", filter.TicketID)
	}

	rows, err := selectRows(ctx, q, b)
	if err != nil {
		return nil, types.StorageError(err, "failed to list groups")
	}
	var groups []*types.DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, types.StorageError(err, "failed to scan group")
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, types.StorageError(err, "error iterating groups")
	}
	_ = rows.Close()

	// Members are loaded after the group cursor is closed so a single
	// connection is never asked for two result sets at once.
	if err := loadMembers(ctx, q, groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func scanGroup(row rowScanner) (*types.DuplicateGroup, error) {
	var g types.DuplicateGroup
	var evidence string
	if err := row.Scan(&g.ID, &g.SiteID, &g.Confidence, &g.Status, &evidence, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(evidence), &g.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode evidence of group %s: %w", g.ID, err)
	}
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}

func loadMembers(ctx context.Context, q querier, groups []*types.DuplicateGroup) error {
	if len(groups) == 0 {
		return nil
	}
	byID := make(map[string]*types.DuplicateGroup, len(groups))
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		g.Members = nil
		byID[g.ID] = g
		ids = append(ids, g.ID)
	}

	for chunk := range slices.Chunk(ids, memberChunk) {
		b := sq.Select("group_id", "ticket_id").
			From("group_members").
			Where(sq.Eq{"group_id": chunk}).
			OrderBy("group_id", "ticket_id")
		rows, err := selectRows(ctx, q, b)
		if err != nil {
			return types.StorageError(err, "failed to load group members")
		}
		for rows.Next() {
			var groupID, ticketID string
			if err := rows.Scan(&groupID, &ticketID); err != nil {
				_ = rows.Close()
				return types.StorageError(err, "failed to scan group member")
			}
			if g := byID[groupID]; g != nil {
				g.Members = append(g.Members, ticketID)
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return types.StorageError(err, "error iterating group members")
		}
	}
	return nil
}

func insertGroup(ctx context.Context, q querier, g *types.DuplicateGroup, now time.Time) error {
	evidence, err := json.Marshal(g.Evidence)
	if err != nil {
		return types.StorageError(err, "failed to encode evidence of group %s", g.ID)
	}
	if g.Evidence == nil {
		evidence = []byte("[]")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO duplicate_groups (id, site_id, confidence, status, evidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.SiteID, g.Confidence, string(types.GroupPending), string(evidence), now, now)
	if err != nil {
		return types.StorageError(err, "failed to insert group %s", g.ID)
	}

	for _, m := range g.Members {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO group_members (group_id, ticket_id) VALUES (?, ?)`, g.ID, m); err != nil {
			return types.StorageError(err, "failed to add %s to group %s", m, g.ID)
		}
	}
	return nil
}

func refreshGroup(ctx context.Context, q querier, g *types.DuplicateGroup, status types.GroupStatus, now time.Time) error {
	evidence, err := json.Marshal(g.Evidence)
	if err != nil {
		return types.StorageError(err, "failed to encode evidence of group %s", g.ID)
	}
	if g.Evidence == nil {
		evidence = []byte("[]")
	}
	_, err = q.ExecContext(ctx, `
		UPDATE duplicate_groups
		SET confidence = ?, evidence = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, g.Confidence, string(evidence), string(status), now, g.ID)
	if err != nil {
		return types.StorageError(err, "failed to refresh group %s", g.ID)
	}
	return nil
}

func setGroupStatus(ctx context.Context, q querier, id string, status types.GroupStatus, at time.Time) error {
	if !status.IsValid() {
		return types.ValidationError("invalid group status %q", status)
	}
	result, err := q.ExecContext(ctx,
		`UPDATE duplicate_groups SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UTC(), id)
	if err != nil {
		return types.StorageError(err, "failed to update status of group %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return types.StorageError(err, "failed to get rows affected")
	}
	if n == 0 {
		return types.NotFoundError("duplicate group not found: %s", id)
	}
	return nil
}

// openGroupsWithMembers returns the pending groups, other than excludeID,
// that contain any of members.
func openGroupsWithMembers(ctx context.Context, q querier, members []string, excludeID string) ([]string, error) {
	var found []string
	for chunk := range slices.Chunk(members, memberChunk) {
		b := sq.Select("DISTINCT g.id").
			From("group_members m").
			Join("duplicate_groups g ON g.id = m.group_id").
			Where(sq.Eq{"g.status": string(types.GroupPending), "m.ticket_id": chunk}).
			Where(sq.NotEq{"g.id": excludeID}).
			OrderBy("g.id")
		rows, err := selectRows(ctx, q, b)
		if err != nil {
			return nil, types.StorageError(err, "failed to find open groups")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, types.StorageError(err, "failed to scan group id")
			}
			found = append(found, id)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, types.StorageError(err, "error iterating open groups")
		}
	}
	slices.Sort(found)
	return slices.Compact(found), nil
}

func deleteGroup(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE id = ?`, id); err != nil {
		return types.StorageError(err, "failed to delete group %s", id)
	}
	return nil
}

func dropOpenGroupsOverlapping(ctx context.Context, q querier, members []string, keepID string) ([]string, error) {
	ids, err := openGroupsWithMembers(ctx, q, members, keepID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := deleteGroup(ctx, q, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ReconcileGroups merges the groups found by a clustering pass into the
// stored groups in one transaction.
//
// Group IDs are derived from members, so a reproduced group keeps its
// review state: pending groups are refreshed, skipped groups are offered
// again, merged and dismissed groups stay as they are. New groups are
// stored as pending unless a member already sits in another pending group.
func (s *SQLiteStorage) ReconcileGroups(ctx context.Context, groups []*types.DuplicateGroup, opts storage.ReconcileOptions) (*storage.ReconcileResult, error) {
	for _, g := range groups {
		if len(g.Members) < 2 || !slices.IsSorted(g.Members) {
			return nil, types.ValidationError("group %s must have at least two sorted members", g.ID)
		}
		if g.Confidence < 0.0 || g.Confidence > 1.0 {
			return nil, types.ValidationError("group %s confidence must be between 0.0 and 1.0 (got %.2f)", g.ID, g.Confidence)
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	// The scope always covers the incoming groups' own sites so a
	// reproduced group is found whatever opts.Sites says.
	scope := slices.Clone(opts.Sites)
	for _, g := range groups {
		scope = append(scope, g.SiteID)
	}
	slices.Sort(scope)
	scope = slices.Compact(scope)

	result := &storage.ReconcileResult{
		Created:   []string{},
		Refreshed: []string{},
		Reoffered: []string{},
		Unchanged: []string{},
	}

	err := s.withTx(ctx, func(conn *sql.Conn) error {
		existing := make(map[string]*types.DuplicateGroup)
		if len(scope) > 0 {
			stored, err := listGroups(ctx, conn, types.GroupFilter{SiteIDs: scope})
			if err != nil {
				return err
			}
			for _, g := range stored {
				existing[g.ID] = g
			}
		}

		if opts.DropStale {
			// Skipped groups that were not reproduced go too: their
			// member set no longer exists.
			incoming := make(map[string]bool, len(groups))
			for _, g := range groups {
				incoming[g.ID] = true
			}
			var stale []string
			for id, g := range existing {
				if !incoming[id] && !g.Status.IsTerminal() {
					stale = append(stale, id)
				}
			}
			slices.Sort(stale)
			for _, id := range stale {
				if err := deleteGroup(ctx, conn, id); err != nil {
					return err
				}
				delete(existing, id)
			}
			result.Dropped = stale
		}

		for _, g := range groups {
			if err := checkContext(ctx); err != nil {
				return err
			}

			if ex, ok := existing[g.ID]; ok {
				switch ex.Status {
				case types.GroupPending:
					if err := refreshGroup(ctx, conn, g, types.GroupPending, now); err != nil {
						return err
					}
					result.Refreshed = append(result.Refreshed, g.ID)
				case types.GroupSkipped:
					if err := refreshGroup(ctx, conn, g, types.GroupPending, now); err != nil {
						return err
					}
					result.Reoffered = append(result.Reoffered, g.ID)
				default:
					result.Unchanged = append(result.Unchanged, g.ID)
				}
				continue
			}

			blocking, err := openGroupsWithMembers(ctx, conn, g.Members, g.ID)
			if err != nil {
				return err
			}
			if len(blocking) > 0 {
				result.Blocked = append(result.Blocked, g.ID)
				continue
			}
			if err := insertGroup(ctx, conn, g, now); err != nil {
				return err
			}
			result.Created = append(result.Created, g.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
