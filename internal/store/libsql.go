package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/crewflow/pkg/schema"
)

// timeLayout is fixed-width so TEXT timestamps sort and compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/crewflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// OpenLibSQL opens the database and applies pending migrations.
func OpenLibSQL(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, migrationFiles)
}

// --- Workflows ---

// SaveWorkflow upserts the snapshot.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	snap, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, workflow_type, status, snapshot, created_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, snapshot=excluded.snapshot,
		   ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		wf.ID, nullStr(wf.WorkflowType), string(wf.Status), string(snap),
		formatTime(timeOrNow(wf.CreatedAt)), nullTime(wf.EndedAt), formatTime(time.Now()),
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var snap string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflows WHERE id = ?`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return decodeWorkflow(snap)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := "SELECT snapshot FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, err
		}
		wf, err := decodeWorkflow(snap)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes the snapshot and its event log in one transaction.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	wfRes, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeError("delete workflow", err)
	}
	evRes, err := tx.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, id)
	if err != nil {
		return storeError("delete events", err)
	}
	nw, _ := wfRes.RowsAffected()
	ne, _ := evRes.RowsAffected()
	if nw == 0 && ne == 0 {
		return storeNotFound("workflow", id)
	}
	return tx.Commit()
}

// --- Events ---

// AppendEvent inserts the event if its sequence directly follows the last archived one.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("get last sequence: %w", err)
	}
	if event.Sequence != last+1 {
		return sequenceConflict(event.WorkflowID, event.Sequence, last+1)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, sequence, event_type, message, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, event.Sequence, string(event.Type), event.Message,
		nullRaw(event.Data), formatTime(timeOrNow(event.Timestamp)),
	)
	if err != nil {
		return storeError("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, sequence, event_type, message, data, timestamp
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var (
			e       schema.Event
			typ, ts string
			data    sql.NullString
		)
		if err := rows.Scan(&e.WorkflowID, &e.Sequence, &typ, &e.Message, &data, &ts); err != nil {
			return nil, err
		}
		e.Type = schema.EventType(typ)
		e.Data = rawOrNil(data)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func decodeWorkflow(snap string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(snap), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

func storeError(op string, err error) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
