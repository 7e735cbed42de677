package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// sseWriter frames events as Server-Sent Events.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, err
	}
	return &sseWriter{w: w, rc: rc}, nil
}

func (s *sseWriter) event(e schema.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", e.Type, e.Sequence, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleStream streams one workflow's events. Buffered history comes first,
// flagged replayed, skipping everything up to Last-Event-ID. The response
// ends after workflow_complete. A released workflow is served from the archive.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after := lastEventID(r)

	sub, err := s.bus().Subscribe(r.Context(), id, streaming.SubscribeOptions{AfterSequence: after})
	if errors.Is(err, streaming.ErrUnknownWorkflow) {
		s.streamArchive(w, r, id, after)
		return
	}
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "SSE subscribe failed", "workflow_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	}
	defer sub.Close()

	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	s.pump(r, sse, sub)
}

// handleFirehose streams events of every workflow, optionally narrowed by
// ?workflow_id and a comma separated ?types list.
func (s *Server) handleFirehose(w http.ResponseWriter, r *http.Request) {
	filter := streaming.EventFilter{WorkflowID: r.URL.Query().Get("workflow_id")}
	for _, t := range splitList(r.URL.Query().Get("types")) {
		filter.Types = append(filter.Types, schema.EventType(t))
	}

	sub, err := s.bus().SubscribeAll(r.Context(), filter)
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "SSE subscribe failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	}
	defer sub.Close()

	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	s.pump(r, sse, sub)
}

func (s *Server) pump(r *http.Request, sse *sseWriter, sub *streaming.Subscription) {
	keepAlive := time.NewTicker(s.deps.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					s.deps.Logger.WarnContext(r.Context(), "SSE stream ended", "path", r.URL.Path, "error", err)
				}
				return
			}
			if err := sse.event(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamArchive(w http.ResponseWriter, r *http.Request, id string, after int64) {
	events, err := s.eventLog(r.Context(), id, after)
	if err != nil {
		writeCrewError(w, err)
		return
	}
	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	for _, e := range events {
		e.Replayed = after > 0
		if err := sse.event(e); err != nil {
			return
		}
	}
}
