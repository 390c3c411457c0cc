package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/atomoutput/reportoid/internal/types"
)

const auditColumns = `id, timestamp, action, user, affected_tickets, description, metadata,
	reversible, reverses_entry_id, reversed_by_entry_id`

// historyPageSize is the number of entries fetched per query while
// iterating the audit history.
const historyPageSize = 100

func appendAudit(ctx context.Context, q querier, entry *types.AuditEntry) (int64, error) {
	if !entry.Action.IsValid() {
		return 0, types.ValidationError("invalid audit action %q", entry.Action)
	}
	if entry.User == "" {
		return 0, types.ValidationError("audit entry requires a user")
	}
	if entry.Timestamp.IsZero() {
		return 0, types.ValidationError("audit entry requires a timestamp")
	}
	if entry.ID != 0 || entry.ReversedBy != 0 {
		return 0, types.ValidationError("audit entry id and reversed_by are assigned by the store")
	}

	if entry.Action == types.ActionReversal {
		if entry.Reverses == 0 {
			return 0, types.ValidationError("reversal entry must reference the entry it reverses")
		}
		if entry.Reversible {
			return 0, types.ValidationError("reversal entries cannot themselves be reversible")
		}
		target, err := getAuditEntry(ctx, q, entry.Reverses)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return 0, types.ReferenceIntegrityError("reversal references missing audit entry %d", entry.Reverses)
			}
			return 0, err
		}
		if !target.Reversible || target.IsReversed() {
			return 0, types.ReferenceIntegrityError("audit entry %d is not reversible", entry.Reverses)
		}
	} else if entry.Reverses != 0 {
		return 0, types.ValidationError("only reversal entries may reference another entry")
	}

	tickets := slices.Clone(entry.Tickets)
	slices.Sort(tickets)
	tickets = slices.Compact(tickets)
	if tickets == nil {
		tickets = []string{}
	}
	ticketsJSON, err := json.Marshal(tickets)
	if err != nil {
		return 0, types.StorageError(err, "failed to encode affected tickets")
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return 0, types.StorageError(err, "failed to encode audit metadata")
	}

	var reverses sql.NullInt64
	if entry.Reverses != 0 {
		reverses = sql.NullInt64{Int64: entry.Reverses, Valid: true}
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO audit_entries (
			timestamp, action, user, affected_tickets, description, metadata,
			reversible, reverses_entry_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.Timestamp.UTC(), string(entry.Action), entry.User, string(ticketsJSON),
		entry.Description, string(metadata), entry.Reversible, reverses,
	)
	if err != nil {
		return 0, types.StorageError(err, "failed to append audit entry")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, types.StorageError(err, "failed to get audit entry id")
	}

	for _, t := range tickets {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO audit_entry_tickets (entry_id, ticket_id) VALUES (?, ?)`, id, t); err != nil {
			return 0, types.StorageError(err, "failed to index audit entry %d", id)
		}
	}

	entry.ID = id
	entry.Tickets = tickets
	entry.Timestamp = entry.Timestamp.UTC()
	return id, nil
}

func markReversed(ctx context.Context, q querier, id, reversalID int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE audit_entries
		SET reversible = 0, reversed_by_entry_id = ?
		WHERE id = ? AND reversible = 1 AND reversed_by_entry_id IS NULL
	`, reversalID, id)
	if err != nil {
		return types.StorageError(err, "failed to mark audit entry %d reversed", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return types.StorageError(err, "failed to get rows affected")
	}
	if n == 0 {
		if _, err := getAuditEntry(ctx, q, id); err != nil {
			return err
		}
		return types.ReferenceIntegrityError("audit entry %d is not reversible", id)
	}
	return nil
}

// GetAuditEntry retrieves an audit entry by ID
func (s *SQLiteStorage) GetAuditEntry(ctx context.Context, id int64) (*types.AuditEntry, error) {
	return getAuditEntry(ctx, s.db, id)
}

func getAuditEntry(ctx context.Context, q querier, id int64) (*types.AuditEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundError("audit entry not found: %d", id)
	}
	if err != nil {
		return nil, types.StorageError(err, "failed to get audit entry %d", id)
	}
	return e, nil
}

func scanAuditEntry(row rowScanner) (*types.AuditEntry, error) {
	var (
		e                    types.AuditEntry
		tickets, metadata    string
		reverses, reversedBy sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Timestamp, &e.Action, &e.User, &tickets, &e.Description, &metadata,
		&e.Reversible, &reverses, &reversedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tickets), &e.Tickets); err != nil {
		return nil, fmt.Errorf("failed to decode tickets of audit entry %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of audit entry %d: %w", e.ID, err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Reverses = reverses.Int64
	e.ReversedBy = reversedBy.Int64
	return &e, nil
}

func historyQuery(filter types.AuditFilter) sq.SelectBuilder {
	b := sq.Select(auditColumns).
		From("audit_entries").
		OrderBy("timestamp DESC", "id DESC")

	if !filter.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"timestamp": filter.Since.UTC()})
	}
	if !filter.Until.IsZero() {
		b = b.Where(sq.Lt{"timestamp": filter.Until.UTC()})
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		b = b.Where(sq.Eq{"action": kinds})
	}
	if filter.User != "" {
		b = b.Where(sq.Eq{"user": filter.User})
	}
	if filter.TicketID != "" {
		b = b.Where("id IN (SELECT entry_id FROM audit_entry_tickets WHERE ticket_id = ?)", filter.TicketID)
	}
	return b
}

// AuditHistory iterates the audit entries matching filter, newest first.
//
// Entries are fetched a page at a time using the (timestamp, id) of the
// last entry seen as the cursor, so long histories are never held in
// memory at once and no cursor stays open while the caller handles an
// entry.
func (s *SQLiteStorage) AuditHistory(ctx context.Context, filter types.AuditFilter) iter.Seq2[*types.AuditEntry, error] {
	return func(yield func(*types.AuditEntry, error) bool) {
		if filter.Limit < 0 || filter.Offset < 0 {
			yield(nil, types.ValidationError("limit and offset cannot be negative"))
			return
		}
		if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
			yield(nil, types.ValidationError("until (%s) precedes since (%s)",
				filter.Until.Format(time.RFC3339), filter.Since.Format(time.RFC3339)))
			return
		}
		for _, k := range filter.Kinds {
			if !k.IsValid() {
				yield(nil, types.ValidationError("invalid audit action %q", k))
				return
			}
		}

		remaining := filter.Limit
		var last *types.AuditEntry
		for {
			if err := checkContext(ctx); err != nil {
				yield(nil, err)
				return
			}

			pageSize := historyPageSize
			if filter.Limit > 0 && remaining < pageSize {
				pageSize = remaining
			}

			b := historyQuery(filter).Limit(uint64(pageSize))
			if last == nil {
				if filter.Offset > 0 {
					b = b.Offset(uint64(filter.Offset))
				}
			} else {
				b = b.Where(sq.Or{
					sq.Lt{"timestamp": last.Timestamp},
					sq.And{sq.Eq{"timestamp": last.Timestamp}, sq.Lt{"id": last.ID}},
				})
			}

			page, err := queryAuditEntries(ctx, s.db, b)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}
			if filter.Limit > 0 {
				remaining -= len(page)
				if remaining == 0 {
					return
				}
			}
			last = page[len(page)-1]
		}
	}
}

func queryAuditEntries(ctx context.Context, q querier, b sq.SelectBuilder) ([]*types.AuditEntry, error) {
	rows, err := selectRows(ctx, q, b)
	if err != nil {
		return nil, types.StorageError(err, "failed to query audit history")
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, types.StorageError(err, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageError(err, "error iterating audit entries")
	}
	return entries, nil
}

// AuditStats summarises the audit trail. Recent entries are those written
// in the seven days before now.
func (s *SQLiteStorage) AuditStats(ctx context.Context, now time.Time) (*types.AuditStats, error) {
	stats := &types.AuditStats{
		EntriesByAction: make(map[types.ActionKind]int),
		EntriesByUser:   make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&stats.TotalEntries)
	if err != nil {
		return nil, types.StorageError(err, "failed to count audit entries")
	}

	if err := countBy(ctx, s.db, "action", func(k string, n int) {
		stats.EntriesByAction[types.ActionKind(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := countBy(ctx, s.db, "user", func(k string, n int) {
		stats.EntriesByUser[k] = n
	}); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries WHERE timestamp >= ?",
		now.UTC().AddDate(0, 0, -7)).Scan(&stats.RecentEntries)
	if err != nil {
		return nil, types.StorageError(err, "failed to count recent audit entries")
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries WHERE reversed_by_entry_id IS NOT NULL").Scan(&stats.ReversedEntries)
	if err != nil {
		return nil, types.StorageError(err, "failed to count reversed audit entries")
	}

	// MIN/MAX lose the column type, so read the boundary rows instead.
	for _, bound := range []struct {
		order string
		dst   **time.Time
	}{{"ASC", &stats.OldestEntry}, {"DESC", &stats.NewestEntry}} {
		var ts time.Time
		err := s.db.QueryRowContext(ctx,
			"SELECT timestamp FROM audit_entries ORDER BY timestamp "+bound.order+" LIMIT 1").Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, types.StorageError(err, "failed to read audit time range")
		}
		ts = ts.UTC()
		*bound.dst = &ts
	}

	return stats, nil
}

func countBy(ctx context.Context, q querier, column string, fn func(string, int)) error {
	rows, err := q.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM audit_entries GROUP BY "+column)
	if err != nil {
		return types.StorageError(err, "failed to count audit entries by %s", column)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return types.StorageError(err, "failed to scan audit count")
		}
		fn(key, n)
	}
	return types.StorageError(rows.Err(), "error iterating audit counts")
}
