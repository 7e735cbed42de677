package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// sender is the part of server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// CompletionNotifier pushes a message to the session that started a workflow
// once it reaches a terminal status.
type CompletionNotifier struct {
	out      sender
	sessions *SessionRegistry
}

// NewCompletionNotifier creates a notifier that pushes through mcpServer.
func NewCompletionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *CompletionNotifier {
	return &CompletionNotifier{out: mcpServer, sessions: sessions}
}

// Notify sends the terminal snapshot summary to the workflow's session.
// Best-effort: returns nil if no session started it or the session is gone.
func (n *CompletionNotifier) Notify(_ context.Context, wf *schema.Workflow) error {
	sessionID, ok := n.sessions.SessionFor(wf.ID)
	if !ok {
		return nil
	}
	n.sessions.Forget(wf.ID)

	payload := map[string]any{
		"level":  "info",
		"logger": "crewflow",
		"data": map[string]any{
			"workflow_id":   wf.ID,
			"workflow_type": wf.WorkflowType,
			"status":        wf.Status,
			"error":         wf.Error,
		},
	}
	err := n.out.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch follows workflow_complete events on bus until ctx ends or the bus closes.
func (n *CompletionNotifier) Watch(ctx context.Context, bus *streaming.Bus) error {
	for {
		sub, err := bus.SubscribeAll(ctx, streaming.EventFilter{
			Types: []schema.EventType{schema.EventWorkflowComplete},
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, streaming.ErrBusClosed) {
				return nil
			}
			return err
		}
		for ev := range sub.Events() {
			var wf schema.Workflow
			if err := json.Unmarshal(ev.Data, &wf); err != nil {
				continue
			}
			_ = n.Notify(ctx, &wf)
		}
		if !errors.Is(sub.Err(), streaming.ErrSlowConsumer) {
			return nil
		}
	}
}
