package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

const memoryPath = ":memory:"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// querier is satisfied by both *sql.DB and the *sql.Conn that holds an
// open transaction, so read helpers work inside and outside RunInTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// New creates a new SQLite storage backend
func New(path string) (*SQLiteStorage, error) {
	if path != memoryPath {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency. The busy timeout
	// lets a second process wait for BEGIN IMMEDIATE instead of failing.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withTx runs fn on a dedicated connection inside BEGIN IMMEDIATE.
//
// database/sql's BeginTx always starts a DEFERRED transaction with the
// sqlite3 driver, so the transaction is driven with raw statements on one
// connection instead. IMMEDIATE takes the write lock up front, which
// serializes writers across processes.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return types.StorageError(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return types.StorageError(err, "failed to begin immediate transaction")
	}

	// Use context.Background() for ROLLBACK to ensure cleanup happens even if ctx is canceled
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return types.StorageError(err, "failed to commit transaction")
	}
	committed = true
	return nil
}

// RunInTx runs fn inside a single write transaction.
func (s *SQLiteStorage) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		return fn(&sqliteTx{conn: conn})
	})
}

// sqliteTx implements storage.Tx on the connection holding the transaction.
type sqliteTx struct {
	conn *sql.Conn
}

var _ storage.Tx = (*sqliteTx)(nil)

func (tx *sqliteTx) GetTicket(ctx context.Context, id string) (*types.StoredTicket, error) {
	return getTicket(ctx, tx.conn, id)
}

func (tx *sqliteTx) PutTicketState(ctx context.Context, state types.TicketState) error {
	return putTicketState(ctx, tx.conn, state)
}

func (tx *sqliteTx) GetGroup(ctx context.Context, id string) (*types.DuplicateGroup, error) {
	return getGroup(ctx, tx.conn, id)
}

func (tx *sqliteTx) SetGroupStatus(ctx context.Context, id string, status types.GroupStatus, at time.Time) error {
	return setGroupStatus(ctx, tx.conn, id, status, at)
}

func (tx *sqliteTx) DropOpenGroupsOverlapping(ctx context.Context, members []string, keepID string) ([]string, error) {
	return dropOpenGroupsOverlapping(ctx, tx.conn, members, keepID)
}

func (tx *sqliteTx) AppendAudit(ctx context.Context, entry *types.AuditEntry) (int64, error) {
	return appendAudit(ctx, tx.conn, entry)
}

func (tx *sqliteTx) GetAuditEntry(ctx context.Context, id int64) (*types.AuditEntry, error) {
	return getAuditEntry(ctx, tx.conn, id)
}

func (tx *sqliteTx) MarkReversed(ctx context.Context, id, reversalID int64) error {
	return markReversed(ctx, tx.conn, id, reversalID)
}

// selectRows renders a squirrel query and runs it on q.
func selectRows(ctx context.Context, q querier, b sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
