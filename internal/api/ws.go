package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

const wsWriteWait = 10 * time.Second

// handleWebSocket mirrors handleStream over a websocket: one JSON text
// message per event, resuming after ?after, closed normally once the
// workflow completes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after := int64(queryInt(r, "after", 0))

	var archived []schema.Event
	sub, err := s.bus().Subscribe(r.Context(), id, streaming.SubscribeOptions{AfterSequence: after})
	switch {
	case errors.Is(err, streaming.ErrUnknownWorkflow):
		if archived, err = s.eventLog(r.Context(), id, after); err != nil {
			writeCrewError(w, err)
			return
		}
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	default:
		defer sub.Close()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "websocket upgrade failed", "workflow_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Control frames are only processed while reading.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(e schema.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	}
	closeWith := func(code int, text string) {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
	}

	if sub == nil {
		for _, e := range archived {
			e.Replayed = after > 0
			if send(e) != nil {
				return
			}
		}
		closeWith(websocket.CloseNormalClosure, "archived")
		return
	}

	ping := time.NewTicker(s.deps.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)) != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				switch err := sub.Err(); {
				case errors.Is(err, streaming.ErrSlowConsumer):
					closeWith(websocket.CloseTryAgainLater, err.Error())
				case errors.Is(err, streaming.ErrBusClosed):
					closeWith(websocket.CloseGoingAway, err.Error())
				default:
					closeWith(websocket.CloseNormalClosure, "workflow complete")
				}
				return
			}
			if send(event) != nil {
				return
			}
		}
	}
}
