package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(wf string, seq int64, typ schema.EventType) schema.Event {
	return schema.Event{Type: typ, WorkflowID: wf, Sequence: seq, Timestamp: time.Now(), Message: string(typ)}
}

func drain(t *testing.T, sub *Subscription) []schema.Event {
	t.Helper()
	var out []schema.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("timed out draining subscription")
			return out
		}
	}
}

func receive(t *testing.T, sub *Subscription) schema.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func TestBus_LateSubscriberGetsHistory(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))
	bus.Publish(ev("wf-1", 2, schema.EventStepUpdate))

	sub, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	assert.Equal(t, schema.EventWorkflowStatus, first.Type)
	assert.False(t, first.Replayed, "first delivery is not a redelivery")
	assert.Equal(t, int64(2), receive(t, sub).Sequence)

	bus.Publish(ev("wf-1", 3, schema.EventStepComplete))
	live := receive(t, sub)
	assert.Equal(t, int64(3), live.Sequence)
	assert.False(t, live.Replayed)
}

func TestBus_AfterSequenceSkipsSeen(t *testing.T) {
	bus := NewBus(Config{})
	for i := int64(1); i <= 5; i++ {
		bus.Publish(ev("wf-1", i, schema.EventStepUpdate))
	}

	sub, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{AfterSequence: 3})
	require.NoError(t, err)
	defer sub.Close()

	resumed := receive(t, sub)
	assert.Equal(t, int64(4), resumed.Sequence)
	assert.True(t, resumed.Replayed, "resumed history is a redelivery")
	assert.Equal(t, int64(5), receive(t, sub).Sequence)

	bus.Publish(ev("wf-1", 6, schema.EventStepUpdate))
	assert.False(t, receive(t, sub).Replayed)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	bus := NewBus(Config{HistorySize: 3})
	for i := int64(1); i <= 10; i++ {
		bus.Publish(ev("wf-1", i, schema.EventStepUpdate))
	}
	h := bus.History("wf-1")
	require.Len(t, h, 3)
	assert.Equal(t, int64(8), h[0].Sequence)
	assert.Equal(t, int64(10), h[2].Sequence)
}

func TestBus_TerminalEventClosesStream(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))

	sub, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{NoHistory: true})
	require.NoError(t, err)

	bus.Publish(ev("wf-1", 2, schema.EventWorkflowComplete))
	bus.Publish(ev("wf-1", 3, schema.EventStepUpdate)) // after close: dropped

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, schema.EventWorkflowComplete, got[0].Type)
	assert.NoError(t, sub.Err())

	late, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{})
	require.NoError(t, err)
	assert.Len(t, drain(t, late), 2)
}

func TestBus_SlowConsumerIsDisconnectedWithoutBlocking(t *testing.T) {
	bus := NewBus(Config{QueueSize: 16})
	var dropped []string
	bus.OnDrop(func(id string) { dropped = append(dropped, id) })
	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))

	slow, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{NoHistory: true})
	require.NoError(t, err)
	fast, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{NoHistory: true})
	require.NoError(t, err)

	var fastGot []int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range fast.Events() {
			fastGot = append(fastGot, e.Sequence)
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := int64(2); i <= 50; i++ {
			bus.Publish(ev("wf-1", i, schema.EventStepUpdate))
			time.Sleep(time.Millisecond)
		}
		bus.Publish(ev("wf-1", 51, schema.EventWorkflowComplete))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	wg.Wait()

	slowGot := drain(t, slow)
	assert.Len(t, slowGot, 16)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, []string{"wf-1"}, dropped)

	require.Len(t, fastGot, 50)
	for i, seq := range fastGot {
		assert.Equal(t, int64(i+2), seq, "events must arrive in order")
	}
}

func TestBus_SubscribeUnknownWorkflow(t *testing.T) {
	_, err := NewBus(Config{}).Subscribe(context.Background(), "nope", SubscribeOptions{})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "wf-1", SubscribeOptions{NoHistory: true})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("wf-1"))

	cancel()
	drain(t, sub)
	assert.Eventually(t, func() bool { return bus.Subscribers("wf-1") == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, sub.Err())
}

func TestBus_FirehoseFilter(t *testing.T) {
	bus := NewBus(Config{})
	sub, err := bus.SubscribeAll(context.Background(), EventFilter{Types: []schema.EventType{schema.EventWorkflowComplete}})
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 1, bus.Watchers())

	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))
	bus.Publish(ev("wf-2", 1, schema.EventWorkflowStatus))
	bus.Publish(ev("wf-2", 2, schema.EventWorkflowComplete))

	got := receive(t, sub)
	assert.Equal(t, "wf-2", got.WorkflowID)
	assert.Equal(t, schema.EventWorkflowComplete, got.Type)
}

func TestBus_ForgetAndClose(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish(ev("wf-1", 1, schema.EventWorkflowStatus))
	sub, err := bus.Subscribe(context.Background(), "wf-1", SubscribeOptions{})
	require.NoError(t, err)

	bus.Forget("wf-1")
	assert.Len(t, drain(t, sub), 1)
	assert.Nil(t, bus.History("wf-1"))

	fh, err := bus.SubscribeAll(context.Background(), EventFilter{})
	require.NoError(t, err)
	bus.Close()
	drain(t, fh)
	assert.ErrorIs(t, fh.Err(), ErrBusClosed)

	_, err = bus.SubscribeAll(context.Background(), EventFilter{})
	assert.ErrorIs(t, err, ErrBusClosed)
	bus.Close()
}

func TestMatchFilter(t *testing.T) {
	e := ev("wf-1", 1, schema.EventStepUpdate)
	assert.True(t, matchFilter(EventFilter{}, e))
	assert.True(t, matchFilter(EventFilter{WorkflowID: "wf-1"}, e))
	assert.False(t, matchFilter(EventFilter{WorkflowID: "wf-2"}, e))
	assert.False(t, matchFilter(EventFilter{Types: []schema.EventType{schema.EventError}}, e))
}
