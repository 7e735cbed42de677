package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenLibSQL(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores returns every implementation so the contract tests run against each.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"libsql": newTestStore(t),
	}
}

func seedWorkflow(id, wfType string, status schema.WorkflowStatus, created time.Time) *schema.Workflow {
	def := schema.WorkflowDefinition{
		WorkflowType: wfType,
		Steps:        []schema.StepSpec{{ID: "ideation", Agent: "ideator"}},
	}
	wf := schema.NewWorkflow(id, def, json.RawMessage(`{"description":"todo app"}`), created)
	wf.Status = status
	return wf
}

func seedEvent(wfID string, seq int64, typ schema.EventType) schema.Event {
	return schema.Event{
		Type:       typ,
		WorkflowID: wfID,
		Sequence:   seq,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, int(seq), 123456789, time.UTC),
		Message:    string(typ),
		Data:       json.RawMessage(`{"n":1}`),
	}
}

func TestStore_SaveAndGetWorkflow(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			wf := seedWorkflow(id, "full_stack", schema.WorkflowStatusRunning, time.Now().UTC())
			require.NoError(t, s.SaveWorkflow(ctx, wf))

			got, err := s.GetWorkflow(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, "full_stack", got.WorkflowType)
			assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
			require.Len(t, got.Steps, 1)
			assert.JSONEq(t, `{"description":"todo app"}`, string(got.Input))

			// Upsert replaces the snapshot.
			wf.Status = schema.WorkflowStatusCompleted
			ended := time.Now().UTC()
			wf.EndedAt = &ended
			require.NoError(t, s.SaveWorkflow(ctx, wf))
			got, err = s.GetWorkflow(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
			require.NotNil(t, got.EndedAt)
		})
	}
}

func TestStore_GetWorkflowNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetWorkflow(context.Background(), "missing")
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		})
	}
}

func TestStore_ListWorkflows(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.SaveWorkflow(ctx, seedWorkflow("a", "full_stack", schema.WorkflowStatusCompleted, base)))
			require.NoError(t, s.SaveWorkflow(ctx, seedWorkflow("b", "code_review", schema.WorkflowStatusFailed, base.Add(time.Minute))))
			require.NoError(t, s.SaveWorkflow(ctx, seedWorkflow("c", "full_stack", schema.WorkflowStatusCompleted, base.Add(2*time.Minute))))

			all, err := s.ListWorkflows(ctx, WorkflowFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].ID, "newest first")

			completed := schema.WorkflowStatusCompleted
			done, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &completed})
			require.NoError(t, err)
			assert.Len(t, done, 2)

			reviews, err := s.ListWorkflows(ctx, WorkflowFilter{WorkflowType: "code_review"})
			require.NoError(t, err)
			require.Len(t, reviews, 1)
			assert.Equal(t, "b", reviews[0].ID)

			since := base.Add(30 * time.Second)
			recent, err := s.ListWorkflows(ctx, WorkflowFilter{Since: &since})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			page, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "b", page[0].ID)
		})
	}
}

func TestStore_AppendAndGetEvents(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wfID := uuid.NewString()
			for i, typ := range []schema.EventType{
				schema.EventWorkflowStatus, schema.EventStepUpdate, schema.EventStepComplete, schema.EventWorkflowComplete,
			} {
				require.NoError(t, s.AppendEvent(ctx, seedEvent(wfID, int64(i+1), typ)))
			}

			events, err := s.GetEvents(ctx, wfID, 0)
			require.NoError(t, err)
			require.Len(t, events, 4)
			for i, e := range events {
				assert.Equal(t, int64(i+1), e.Sequence)
				assert.Equal(t, wfID, e.WorkflowID)
			}
			assert.Equal(t, schema.EventWorkflowComplete, events[3].Type)
			assert.True(t, events[0].Timestamp.Equal(seedEvent(wfID, 1, "").Timestamp), "timestamp round-trips")
			assert.JSONEq(t, `{"n":1}`, string(events[0].Data))

			tail, err := s.GetEvents(ctx, wfID, 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, int64(3), tail[0].Sequence)

			none, err := s.GetEvents(ctx, "other", 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_AppendEventRejectsGaps(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AppendEvent(ctx, seedEvent("wf", 1, schema.EventWorkflowStatus)))

			err := s.AppendEvent(ctx, seedEvent("wf", 3, schema.EventStepUpdate))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

			err = s.AppendEvent(ctx, seedEvent("wf", 1, schema.EventStepUpdate))
			require.Error(t, err, "duplicate sequence")

			// Sequences are scoped per workflow.
			require.NoError(t, s.AppendEvent(ctx, seedEvent("wf-2", 1, schema.EventWorkflowStatus)))
		})
	}
}

func TestStore_DeleteWorkflow(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveWorkflow(ctx, seedWorkflow("gone", "", schema.WorkflowStatusCompleted, time.Now())))
			require.NoError(t, s.AppendEvent(ctx, seedEvent("gone", 1, schema.EventWorkflowStatus)))

			require.NoError(t, s.DeleteWorkflow(ctx, "gone"))
			_, err := s.GetWorkflow(ctx, "gone")
			assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
			events, err := s.GetEvents(ctx, "gone", 0)
			require.NoError(t, err)
			assert.Empty(t, events)

			err = s.DeleteWorkflow(ctx, "gone")
			assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		})
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	var versions int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&versions))
	all, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, len(all), versions)
}

func TestLoadMigrations(t *testing.T) {
	all, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	assert.Equal(t, 1, all[0].version)
	assert.Equal(t, "initial_schema", all[0].name)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].version, all[i-1].version)
	}
}

func TestLoadMigrations_BadNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{
		"migrations/init.sql": {Data: []byte("SELECT 1;")},
	})
	assert.ErrorContains(t, err, "NNN_name.sql")

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql":  {Data: []byte("SELECT 1;")},
		"migrations/0001_b.sql": {Data: []byte("SELECT 1;")},
	})
	assert.ErrorContains(t, err, "already used")
}

func TestStatements(t *testing.T) {
	stmts := statements("-- header\nCREATE TABLE a (x INT);\n\n  -- only a comment; really\n;CREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}
