package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

const (
	defaultHistorySize = 256
	defaultQueueSize   = 64
)

// Config sizes the bus buffers.
type Config struct {
	HistorySize int // events kept per workflow for late or reconnecting subscribers
	QueueSize   int // live events a subscriber may fall behind before it is disconnected
}

// Bus is an in-memory, per-workflow, multi-subscriber event transport.
//
// Publish never blocks: events go into the workflow's history ring and are
// offered to every subscriber queue; a subscriber whose queue is full is
// disconnected (its channel is closed and Err reports ErrSlowConsumer).
// Each subscriber sees a workflow's events in Sequence order.
// The workflow_complete event closes the topic: subscribers are ended after
// receiving it, later subscribers get the history and an already-closed stream.
type Bus struct {
	cfg Config

	mu       sync.Mutex
	topics   map[string]*topic
	firehose map[*Subscription]struct{}
	closed   bool

	dropped atomic.Int64
	onDrop  func(workflowID string)
}

type topic struct {
	history  *ring
	subs     map[*Subscription]struct{}
	closed   bool
	lastSeen time.Time
}

// NewBus creates a Bus. Zero config values use defaults.
func NewBus(cfg Config) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Bus{
		cfg:      cfg,
		topics:   make(map[string]*topic),
		firehose: make(map[*Subscription]struct{}),
	}
}

// OnDrop registers a callback invoked (under the bus lock, keep it cheap)
// whenever a slow subscriber is disconnected.
func (b *Bus) OnDrop(fn func(workflowID string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Publish records the event and fans it out. Events for a closed topic are dropped.
func (b *Bus) Publish(event schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	t, ok := b.topics[event.WorkflowID]
	if !ok {
		t = &topic{history: newRing(b.cfg.HistorySize), subs: make(map[*Subscription]struct{})}
		b.topics[event.WorkflowID] = t
	}
	if t.closed {
		return
	}
	t.history.push(event)
	t.lastSeen = time.Now()

	for sub := range t.subs {
		if !sub.offer(event) {
			delete(t.subs, sub)
			b.dropLocked(sub)
		}
	}
	for sub := range b.firehose {
		if !matchFilter(sub.filter, event) {
			continue
		}
		if !sub.offer(event) {
			delete(b.firehose, sub)
			b.dropLocked(sub)
		}
	}

	if event.IsTerminal() {
		t.closed = true
		for sub := range t.subs {
			sub.end(nil)
		}
		clear(t.subs)
	}
}

// Subscribe opens a stream of one workflow's events. Buffered history is
// delivered first, followed by live events. History is flagged Replayed only
// when the subscriber resumes after a sequence it already saw.
func (b *Bus) Subscribe(ctx context.Context, workflowID string, opts SubscribeOptions) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	t, ok := b.topics[workflowID]
	if !ok {
		return nil, ErrUnknownWorkflow
	}

	var history []schema.Event
	if !opts.NoHistory {
		history = t.history.since(opts.AfterSequence)
	}
	sub := newSubscription(b, workflowID, EventFilter{WorkflowID: workflowID}, len(history)+b.cfg.QueueSize)
	resuming := opts.AfterSequence > 0
	for _, e := range history {
		e.Replayed = resuming
		sub.ch <- e
	}

	if t.closed {
		sub.end(nil)
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// SubscribeAll opens a live stream of events across workflows, matching filter.
func (b *Bus) SubscribeAll(ctx context.Context, filter EventFilter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := newSubscription(b, "", filter, b.cfg.QueueSize)
	b.firehose[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// History returns the buffered events of a workflow, oldest first.
func (b *Bus) History(workflowID string) []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[workflowID]
	if !ok {
		return nil
	}
	return t.history.since(0)
}

// Forget drops a workflow's topic and ends its remaining subscribers.
func (b *Bus) Forget(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[workflowID]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.end(nil)
	}
	delete(b.topics, workflowID)
}

// Subscribers returns the number of live subscribers of a workflow.
func (b *Bus) Subscribers(workflowID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[workflowID]; ok {
		return len(t.subs)
	}
	return 0
}

// Watchers returns the number of live firehose subscriptions.
func (b *Bus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.firehose)
}

// Dropped returns how many subscribers were disconnected for being slow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for sub := range t.subs {
			sub.end(ErrBusClosed)
		}
	}
	for sub := range b.firehose {
		sub.end(ErrBusClosed)
	}
	clear(b.topics)
	clear(b.firehose)
}

func (b *Bus) dropLocked(sub *Subscription) {
	sub.end(ErrSlowConsumer)
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop(sub.workflowID)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sub.workflowID]; ok {
		delete(t.subs, sub)
	}
	delete(b.firehose, sub)
	sub.end(nil)
}

var _ Publisher = (*Bus)(nil)
