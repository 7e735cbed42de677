package streaming

import (
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// Subscription is one consumer's view of the bus. Read Events until it is
// closed, then check Err: nil means the stream ended normally (terminal event
// delivered, Forget, or Close by the consumer).
type Subscription struct {
	bus        *Bus
	workflowID string
	filter     EventFilter
	ch         chan schema.Event
	stop       func() bool

	mu   sync.Mutex
	done bool
	err  error
}

func newSubscription(b *Bus, workflowID string, filter EventFilter, capacity int) *Subscription {
	return &Subscription{
		bus:        b,
		workflowID: workflowID,
		filter:     filter,
		ch:         make(chan schema.Event, capacity),
	}
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan schema.Event {
	return s.ch
}

// Err reports why the channel was closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once and concurrently with Publish.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// offer enqueues without blocking; false means the queue is full. Caller holds the bus lock.
func (s *Subscription) offer(e schema.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// end closes the channel once, recording err. Caller holds the bus lock.
func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
}
