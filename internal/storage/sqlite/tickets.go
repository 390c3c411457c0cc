package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

const ticketColumns = `t.id, t.site_id, t.company_id, t.priority, t.created, t.resolved,
	t.description, t.category, t.subcategory,
	s.is_active, s.merged_into, s.review_status,
	s.description_override, s.created_override, s.priority_override,
	s.category_override, s.subcategory_override`

// IngestTickets stores new tickets with their initial quality state.
// Tickets already stored are compared, never modified: identical ones are
// reported unchanged, differing ones as conflicts.
func (s *SQLiteStorage) IngestTickets(ctx context.Context, tickets []types.Ticket) (*storage.IngestResult, error) {
	for i := range tickets {
		if err := tickets[i].Validate(); err != nil {
			return nil, types.ValidationError("ticket %d: %v", i, err)
		}
	}

	result := &storage.IngestResult{Inserted: []string{}, Unchanged: []string{}}
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		for i := range tickets {
			if err := checkContext(ctx); err != nil {
				return err
			}
			t := tickets[i]

			existing, err := getTicket(ctx, conn, t.ID)
			switch {
			case err == nil:
				if sameAttributes(existing.Original, t) {
					result.Unchanged = append(result.Unchanged, t.ID)
				} else {
					result.Conflicts = append(result.Conflicts, t.ID)
				}
				continue
			case !types.IsKind(err, types.KindNotFound):
				return err
			}

			if err := insertTicket(ctx, conn, t); err != nil {
				return err
			}
			result.Inserted = append(result.Inserted, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertTicket(ctx context.Context, q querier, t types.Ticket) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tickets (
			id, site_id, company_id, priority, created, resolved,
			description, category, subcategory
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.SiteID, t.CompanyID, int(t.Priority), t.Created.UTC(), nullTime(t.Resolved),
		t.Description, t.Category, t.Subcategory,
	)
	if err != nil {
		return types.StorageError(err, "failed to insert ticket %s", t.ID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO ticket_state (ticket_id, is_active, review_status)
		VALUES (?, 1, ?)
	`, t.ID, string(types.ReviewPending))
	if err != nil {
		return types.StorageError(err, "failed to insert state for ticket %s", t.ID)
	}
	return nil
}

func sameAttributes(a, b types.Ticket) bool {
	if a.ID != b.ID || a.SiteID != b.SiteID || a.CompanyID != b.CompanyID ||
		a.Priority != b.Priority || !a.Created.Equal(b.Created) ||
		a.Description != b.Description || a.Category != b.Category ||
		a.Subcategory != b.Subcategory {
		return false
	}
	if a.Resolved == nil || b.Resolved == nil {
		return a.Resolved == nil && b.Resolved == nil
	}
	return a.Resolved.Equal(*b.Resolved)
}

// GetTicket retrieves a ticket and its quality state by ID
func (s *SQLiteStorage) GetTicket(ctx context.Context, id string) (*types.StoredTicket, error) {
	return getTicket(ctx, s.db, id)
}

func getTicket(ctx context.Context, q querier, id string) (*types.StoredTicket, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN ticket_state s ON s.ticket_id = t.id
		WHERE t.id = ?
	`, id)

	st, err := scanStoredTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundError("ticket not found: %s", id)
	}
	if err != nil {
		return nil, types.StorageError(err, "failed to get ticket %s", id)
	}
	return st, nil
}

// ListTickets returns tickets matching the filter ordered by created time
// and then ID.
func (s *SQLiteStorage) ListTickets(ctx context.Context, filter types.TicketFilter) ([]*types.StoredTicket, error) {
	b := sq.Select(ticketColumns).
		From("tickets t").
		Join("ticket_state s ON s.ticket_id = t.id").
		OrderBy("t.created ASC", "t.id ASC")

	if len(filter.SiteIDs) > 0 {
		b = b.Where(sq.Eq{"t.site_id": filter.SiteIDs})
	}
	if len(filter.IDs) > 0 {
		b = b.Where(sq.Eq{"t.id": filter.IDs})
	}
	if filter.ActiveOnly {
		b = b.Where(sq.Eq{"s.is_active": 1})
	}

	rows, err := selectRows(ctx, s.db, b)
	if err != nil {
		return nil, types.StorageError(err, "failed to list tickets")
	}
	defer func() { _ = rows.Close() }()

	var tickets []*types.StoredTicket
	for rows.Next() {
		st, err := scanStoredTicket(rows)
		if err != nil {
			return nil, types.StorageError(err, "failed to scan ticket")
		}
		tickets = append(tickets, st)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageError(err, "error iterating tickets")
	}
	return tickets, nil
}

func scanStoredTicket(row rowScanner) (*types.StoredTicket, error) {
	var (
		st                        types.StoredTicket
		priority                  int
		resolved, createdOverride sql.NullTime
		mergedInto                sql.NullString
		descOverride, catOverride sql.NullString
		subOverride               sql.NullString
		priorityOverride          sql.NullInt64
	)
	t := &st.Original
	err := row.Scan(
		&t.ID, &t.SiteID, &t.CompanyID, &priority, &t.Created, &resolved,
		&t.Description, &t.Category, &t.Subcategory,
		&st.State.IsActive, &mergedInto, &st.State.ReviewStatus,
		&descOverride, &createdOverride, &priorityOverride,
		&catOverride, &subOverride,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = types.Priority(priority)
	t.Created = t.Created.UTC()
	t.Resolved = timePtr(resolved)

	st.State.TicketID = t.ID
	st.State.MergedInto = mergedInto.String
	o := &st.State.Overrides
	o.Description = stringPtr(descOverride)
	o.Created = timePtr(createdOverride)
	o.Category = stringPtr(catOverride)
	o.Subcategory = stringPtr(subOverride)
	if priorityOverride.Valid {
		p := types.Priority(priorityOverride.Int64)
		o.Priority = &p
	}
	return &st, nil
}

func putTicketState(ctx context.Context, q querier, state types.TicketState) error {
	if !state.ReviewStatus.IsValid() {
		return types.ValidationError("ticket %s: invalid review status %q", state.TicketID, state.ReviewStatus)
	}
	if state.MergedInto == state.TicketID {
		return types.ValidationError("ticket %s cannot be merged into itself", state.TicketID)
	}
	if state.IsActive != (state.MergedInto == "") {
		return types.ValidationError("ticket %s: inactive tickets must name the ticket they merged into", state.TicketID)
	}

	o := state.Overrides
	var priority sql.NullInt64
	if o.Priority != nil {
		priority = sql.NullInt64{Int64: int64(*o.Priority), Valid: true}
	}

	result, err := q.ExecContext(ctx, `
		UPDATE ticket_state SET
			is_active = ?, merged_into = ?, review_status = ?,
			description_override = ?, created_override = ?, priority_override = ?,
			category_override = ?, subcategory_override = ?, updated_at = ?
		WHERE ticket_id = ?
	`,
		state.IsActive, nullString(state.MergedInto), string(state.ReviewStatus),
		nullStringPtr(o.Description), nullTime(o.Created), priority,
		nullStringPtr(o.Category), nullStringPtr(o.Subcategory), time.Now().UTC(),
		state.TicketID,
	)
	if err != nil {
		return types.StorageError(err, "failed to update state of ticket %s", state.TicketID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return types.StorageError(err, "failed to get rows affected")
	}
	if n == 0 {
		return types.NotFoundError("ticket not found: %s", state.TicketID)
	}
	return nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
