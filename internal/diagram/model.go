// Package diagram draws a workflow's step chain, optionally with the live
// status of each step, as ASCII, Mermaid or a Graphviz image.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
// Nodes are in execution order.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the virtual start and end markers.
type Node struct {
	ID     string
	Label  string
	Agent  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // a schema.StepStatus, or "skipped"
	Progress   int
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge links two consecutive nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"

	statusSkipped = "skipped"
)
