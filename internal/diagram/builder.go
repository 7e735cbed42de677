package diagram

import (
	"fmt"

	"github.com/rendis/crewflow/pkg/schema"
)

// FromDefinition builds a model of def without runtime state.
func FromDefinition(def *schema.WorkflowDefinition) *Model {
	m := &Model{Title: titleFor(def.WorkflowType, "")}
	for _, s := range def.Steps {
		m.Nodes = append(m.Nodes, &Node{ID: s.ID, Label: s.ID, Agent: s.Agent, Kind: NodeKindStep})
	}
	return m.link()
}

// FromWorkflow builds a model of wf with each step's status overlaid.
// Steps still pending once the workflow is terminal are shown as skipped.
func FromWorkflow(wf *schema.Workflow) *Model {
	m := &Model{Title: titleFor(wf.WorkflowType, wf.ID)}
	terminal := wf.Terminal()
	for _, s := range wf.Steps {
		ov := &StatusOverlay{
			Status:     string(s.Status),
			Progress:   s.Progress,
			RetryCount: s.RetryCount,
		}
		if terminal && s.Status == schema.StepStatusPending {
			ov.Status = statusSkipped
		}
		if s.StartedAt != nil && s.EndedAt != nil {
			ov.DurationMs = s.EndedAt.Sub(*s.StartedAt).Milliseconds()
		}
		if s.Error != nil {
			ov.Error = fmt.Sprintf("[%s] %s", s.Error.Code, s.Error.Message)
		}
		m.Nodes = append(m.Nodes, &Node{ID: s.ID, Label: s.ID, Agent: s.AgentName, Kind: NodeKindStep, Status: ov})
	}
	return m.link()
}

// link wraps the steps in start and end markers and chains them in order.
func (m *Model) link() *Model {
	nodes := make([]*Node, 0, len(m.Nodes)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	nodes = append(nodes, m.Nodes...)
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Nodes = nodes

	m.Edges = m.Edges[:0]
	for i := 1; i < len(nodes); i++ {
		m.Edges = append(m.Edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return m
}

func titleFor(workflowType, id string) string {
	title := workflowType
	if title == "" {
		title = "workflow"
	}
	if id != "" {
		title += " " + id
	}
	return title
}
