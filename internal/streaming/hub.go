package streaming

import (
	"errors"

	"github.com/rendis/crewflow/pkg/schema"
)

var (
	// ErrSlowConsumer is reported by a subscription the bus disconnected because
	// its queue was full. The subscriber may resubscribe and resume from the
	// last sequence it saw.
	ErrSlowConsumer = errors.New("subscriber too slow, disconnected")

	// ErrUnknownWorkflow is returned when subscribing to a workflow the bus has no events for.
	ErrUnknownWorkflow = errors.New("no event stream for workflow")

	// ErrBusClosed is returned after Close.
	ErrBusClosed = errors.New("event bus closed")
)

// Publisher is the producer side of the bus, as seen by the engine.
type Publisher interface {
	Publish(event schema.Event)
}

// EventFilter restricts a firehose subscription.
type EventFilter struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	Types      []schema.EventType `json:"types,omitempty"`
}

// SubscribeOptions tune a per-workflow subscription.
type SubscribeOptions struct {
	// AfterSequence skips buffered events with Sequence <= AfterSequence
	// (the SSE Last-Event-ID).
	AfterSequence int64
	// NoHistory delivers live events only.
	NoHistory bool
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e schema.Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
