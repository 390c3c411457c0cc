package sqlite

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/atomoutput/reportoid/internal/types"
)

// unreferenced excludes entries a retained reversal still points at.
const unreferenced = `id NOT IN (
	SELECT reverses_entry_id FROM audit_entries WHERE reverses_entry_id IS NOT NULL
)`

// outsideWindow matches entries that are not among the newest N, where N
// is the single bound argument.
const outsideWindow = `id NOT IN (
	SELECT id FROM audit_entries ORDER BY timestamp DESC, id DESC LIMIT ?
)`

// EvictAudit applies the retention policy to the audit trail.
//
// Entries older than RetentionDays are removed first. Then, of the entries
// outside the newest MaxEntries, the unreferenced ones are removed oldest
// first. The newest MaxEntries are always kept, so the trail may stay over
// the limit when older entries are protected. An entry referenced by a
// reversal is never removed while that reversal exists; once the reversal
// itself is evicted, the entry it referenced becomes evictable in the same
// pass. Entries that meet an eviction criterion but survive are counted as
// protected. Deletions run in batches of BatchSize, each in its own
// transaction.
func (s *SQLiteStorage) EvictAudit(ctx context.Context, policy types.RetentionPolicy, now time.Time) (*types.EvictionResult, error) {
	if policy.RetentionDays < 0 || policy.MaxEntries < 0 {
		return nil, types.ValidationError("retention days and max entries cannot be negative")
	}
	if policy.BatchSize < 1 {
		return nil, types.ValidationError("batch size must be at least 1")
	}

	result := &types.EvictionResult{}
	var criteria []string
	var criteriaArgs []any

	// Step 1: Delete entries past the retention period
	if policy.RetentionDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -policy.RetentionDays)
		ids, err := s.deleteAuditBatches(ctx, policy.BatchSize, "timestamp < ?", cutoff)
		result.EvictedIDs = append(result.EvictedIDs, ids...)
		result.ByAge = len(ids)
		if err != nil {
			return result, types.StorageError(err, "failed to evict expired audit entries")
		}
		criteria = append(criteria, "timestamp < ?")
		criteriaArgs = append(criteriaArgs, cutoff)
	}

	// Step 2: Delete entries outside the newest MaxEntries, oldest first
	if policy.MaxEntries > 0 {
		ids, err := s.deleteAuditBatches(ctx, policy.BatchSize, outsideWindow, policy.MaxEntries)
		result.EvictedIDs = append(result.EvictedIDs, ids...)
		result.ByCount = len(ids)
		if err != nil {
			return result, types.StorageError(err, "failed to evict audit entries over the limit")
		}
		criteria = append(criteria, outsideWindow)
		criteriaArgs = append(criteriaArgs, policy.MaxEntries)
	}

	total, err := s.countAuditEntries(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = total

	if len(criteria) > 0 {
		query := "SELECT COUNT(*) FROM audit_entries WHERE (" + strings.Join(criteria, ") OR (") + ")"
		if err := s.db.QueryRowContext(ctx, query, criteriaArgs...).Scan(&result.Protected); err != nil {
			return result, types.StorageError(err, "failed to count protected audit entries")
		}
	}
	return result, nil
}

// deleteAuditBatches deletes unreferenced entries matching cond, oldest
// first, batchSize per transaction, until a batch finds nothing to delete.
// It returns the IDs deleted so far even when it fails part way.
func (s *SQLiteStorage) deleteAuditBatches(ctx context.Context, batchSize int, cond string, args ...any) ([]int64, error) {
	var deleted []int64

	for {
		// Check context cancellation
		if err := checkContext(ctx); err != nil {
			return deleted, err
		}

		var batch []int64
		err := s.withTx(ctx, func(conn *sql.Conn) error {
			query := `
				DELETE FROM audit_entries
				WHERE id IN (
					SELECT id FROM audit_entries
					WHERE ` + cond + `
					AND ` + unreferenced + `
					ORDER BY timestamp ASC, id ASC
					LIMIT ?
				)
				RETURNING id
			`
			rows, err := conn.QueryContext(ctx, query, append(slices.Clone(args), batchSize)...)
			if err != nil {
				return err
			}
			defer func() { _ = rows.Close() }()
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					return err
				}
				batch = append(batch, id)
			}
			return rows.Err()
		})
		if err != nil {
			return deleted, err
		}

		// Deleting a reversal can release the entry it referenced, so only
		// an empty batch means nothing evictable is left
		if len(batch) == 0 {
			return deleted, nil
		}
		slices.Sort(batch)
		deleted = append(deleted, batch...)
	}
}

// EvictAuditEntry removes a single entry. Entries referenced by a
// reversal cannot be removed.
func (s *SQLiteStorage) EvictAuditEntry(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := getAuditEntry(ctx, conn, id); err != nil {
			return err
		}

		var reversalID int64
		err := conn.QueryRowContext(ctx,
			"SELECT id FROM audit_entries WHERE reverses_entry_id = ? LIMIT 1", id).Scan(&reversalID)
		switch {
		case err == nil:
			return types.ReferenceIntegrityError("audit entry %d is referenced by reversal entry %d", id, reversalID)
		case err != sql.ErrNoRows:
			return types.StorageError(err, "failed to check references to audit entry %d", id)
		}

		if _, err := conn.ExecContext(ctx, "DELETE FROM audit_entries WHERE id = ?", id); err != nil {
			return types.StorageError(err, "failed to evict audit entry %d", id)
		}
		return nil
	})
}

func (s *SQLiteStorage) countAuditEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, types.StorageError(err, "failed to count audit entries")
	}
	return n, nil
}

// Vacuum runs the VACUUM command to reclaim disk space after eviction.
// This can be slow and locks the database, so it should be run during maintenance windows
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return types.StorageError(err, "failed to vacuum database")
	}
	return nil
}
