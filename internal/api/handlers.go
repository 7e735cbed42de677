package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/pkg/schema"
)

type executeRequest struct {
	Description  string `json:"description"`
	Language     string `json:"language,omitempty"`
	WorkflowType string `json:"workflow_type"`
}

type executeResponse struct {
	WorkflowID string `json:"workflow_id"`
	StreamURL  string `json:"stream_url"`
}

// handleExecute builds a definition from the catalog and submits it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowType == "" {
		writeError(w, http.StatusBadRequest, "workflow_type is required")
		return
	}

	input, err := json.Marshal(struct {
		Description string `json:"description"`
		Language    string `json:"language,omitempty"`
	}{body.Description, body.Language})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	def, err := s.deps.Catalog.Build(r.Context(), body.WorkflowType, input)
	if err != nil {
		// An unknown type is a bad request here, not a missing resource.
		_, eb := statusFor(err)
		writeJSON(w, http.StatusBadRequest, eb)
		return
	}

	id, err := s.deps.Engine.Submit(r.Context(), def, input)
	if err != nil {
		writeCrewError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executeResponse{
		WorkflowID: id,
		StreamURL:  "/workflow/stream/" + id,
	})
}

// handleStop requests cancellation. Stopping twice, or stopping a finished
// workflow, is not an error.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.deps.Engine.GetSnapshot(id)
	if err != nil {
		if _, aerr := s.archivedWorkflow(r.Context(), id); aerr == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_terminal"})
			return
		}
		writeCrewError(w, err)
		return
	}
	if snap.Terminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_terminal"})
		return
	}
	if err := s.deps.Engine.Cancel(id); err != nil {
		writeCrewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleStatus returns the live snapshot, or the archived one once released.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.deps.Engine.GetSnapshot(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if wf, aerr := s.archivedWorkflow(r.Context(), id); aerr == nil {
		writeJSON(w, http.StatusOK, wf)
		return
	}
	writeCrewError(w, err)
}

// handleEvents returns the event log after ?since, from the archive when
// there is one and from the bus history otherwise.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	events, err := s.eventLog(r.Context(), id, since)
	if err != nil {
		writeCrewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"events":      events,
	})
}

// handleDelete releases a terminal workflow from memory. With ?purge=true the
// archived copy is deleted as well.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge := r.URL.Query().Get("purge") == "true"

	released := true
	if err := s.deps.Engine.Release(id); err != nil {
		if !purge || !schema.HasCode(err, schema.ErrCodeNotFound) {
			writeCrewError(w, err)
			return
		}
		released = false
	}

	purged := false
	if st := s.store(); purge && st != nil {
		err := st.DeleteWorkflow(r.Context(), id)
		switch {
		case err == nil:
			purged = true
		case schema.HasCode(err, schema.ErrCodeNotFound):
		default:
			writeCrewError(w, err)
			return
		}
	}
	if !released && !purged {
		writeCrewError(w, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"released":    released,
		"purged":      purged,
	})
}

// handleList lists in-memory workflows, or archived ones with ?source=archive.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	var status *schema.WorkflowStatus
	if v := q.Get("status"); v != "" {
		st := schema.WorkflowStatus(v)
		status = &st
	}

	if q.Get("source") == "archive" {
		st := s.store()
		if st == nil {
			writeError(w, http.StatusNotFound, "no archive configured")
			return
		}
		wfs, err := st.ListWorkflows(r.Context(), store.WorkflowFilter{
			Status:       status,
			WorkflowType: q.Get("type"),
			Limit:        limit,
			Offset:       offset,
		})
		if err != nil {
			writeCrewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": nonNil(wfs)})
		return
	}

	var out []*schema.Workflow
	for _, wf := range s.deps.Engine.List() {
		if status != nil && wf.Status != *status {
			continue
		}
		if t := q.Get("type"); t != "" && wf.WorkflowType != t {
			continue
		}
		out = append(out, wf)
	}
	out = page(out, offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{"workflows": nonNil(out)})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflow_types": s.deps.Catalog.Types()})
}

type agentView struct {
	agents.Info
	Breaker *engine.BreakerStats `json:"breaker,omitempty"`
}

// handleAgents lists registered agents with the state of their breakers.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]engine.BreakerStats)
	for _, b := range s.deps.Engine.Breakers().Stats() {
		stats[b.Agent] = b
	}
	infos := s.deps.Engine.Registry().List()
	out := make([]agentView, 0, len(infos))
	for _, info := range infos {
		v := agentView{Info: info}
		if b, ok := stats[info.Name]; ok {
			v.Breaker = &b
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.EntryStatus{}
	if s.deps.Scheduler != nil {
		entries = append(entries, s.deps.Scheduler.Status()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	held := s.deps.Engine.List()
	for _, wf := range held {
		if !wf.Terminal() {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"version":             s.deps.Version,
		"uptime_seconds":      int64(time.Since(s.started).Seconds()),
		"workflows_held":      len(held),
		"workflows_active":    active,
		"pool":                s.deps.Engine.PoolMetrics(),
		"watchers":            s.bus().Watchers(),
		"subscribers_dropped": s.bus().Dropped(),
		"archive":             s.store() != nil,
	})
}

func (s *Server) archivedWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	st := s.store()
	if st == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return st.GetWorkflow(ctx, id)
}

// eventLog returns the events of a workflow after since. An unknown workflow
// is NOT_FOUND; a known one with nothing new is an empty list.
func (s *Server) eventLog(ctx context.Context, id string, since int64) ([]schema.Event, error) {
	if st := s.store(); st != nil {
		events, err := st.GetEvents(ctx, id, since)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}

	var events []schema.Event
	for _, e := range s.bus().History(id) {
		if e.Sequence > since {
			events = append(events, e)
		}
	}
	if len(events) > 0 {
		return events, nil
	}
	if _, err := s.deps.Engine.GetSnapshot(id); err != nil {
		if _, aerr := s.archivedWorkflow(ctx, id); aerr != nil {
			return nil, err
		}
	}
	return []schema.Event{}, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
