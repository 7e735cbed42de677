package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crewflow/pkg/schema"
)

// handleExecute builds a definition from the catalog and submits it.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowType, err := req.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("workflow_type is required"), nil
	}
	description, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("description is required"), nil
	}

	input, err := json.Marshal(struct {
		Description string `json:"description"`
		Language    string `json:"language,omitempty"`
	}{description, req.GetString("language", "")})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode input: %v", err)), nil
	}

	def, err := s.catalog.Build(ctx, workflowType, input)
	if err != nil {
		return toolError("build workflow", err), nil
	}
	id, err := s.engine.Submit(ctx, def, input)
	if err != nil {
		return toolError("submit workflow", err), nil
	}
	s.captureSession(ctx, id)

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{
			"workflow_id": id,
			"status":      schema.WorkflowStatusPending,
		})
	}
	wf, err := s.engine.Wait(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait for workflow %s: %v", id, err)), nil
	}
	return marshalResult(wf)
}

// handleStatus returns the live snapshot, falling back to the archive.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, err := s.engine.GetSnapshot(workflowID)
	if err != nil {
		st := s.engine.Store()
		if st == nil {
			return toolError("status query failed", err), nil
		}
		if wf, err = st.GetWorkflow(ctx, workflowID); err != nil {
			return toolError("status query failed", err), nil
		}
	}
	return marshalResult(wf)
}

// handleStop cancels a workflow. Stopping a finished workflow is not an error.
func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, err := s.engine.GetSnapshot(workflowID)
	if err != nil {
		return toolError("stop failed", err), nil
	}
	status := "stopping"
	if wf.Terminal() {
		status = "already_terminal"
	} else if err := s.engine.Cancel(workflowID); err != nil {
		return toolError("stop failed", err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"status":      status,
	})
}

// handleEvents lists events after since, from the archive or the bus history.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	since := int64(req.GetFloat("since", 0))

	var events []schema.Event
	if st := s.engine.Store(); st != nil {
		if events, err = st.GetEvents(ctx, workflowID, since); err != nil {
			return toolError("events query failed", err), nil
		}
	}
	if len(events) == 0 {
		for _, e := range s.engine.Bus().History(workflowID) {
			if e.Sequence > since {
				events = append(events, e)
			}
		}
	}
	if events == nil {
		events = []schema.Event{}
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"events":      events,
	})
}

type typeSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

func (s *Server) handleListTypes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs := s.catalog.Types()
	out := make([]typeSummary, 0, len(specs))
	for _, t := range specs {
		sum := typeSummary{Name: t.Name, Description: t.Description}
		for _, st := range t.Steps {
			sum.Steps = append(sum.Steps, st.ID)
		}
		out = append(out, sum)
	}
	return marshalResult(map[string]any{"workflow_types": out})
}

// captureSession maps the workflow to the calling MCP session for completion notifications.
func (s *Server) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// toolError reports a failure with its crewflow error code when there is one.
func toolError(op string, err error) *mcp.CallToolResult {
	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", op, ce.Code, ce.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", op, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
