package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	for len(got) < n {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d events", len(got), n)
		}
	}
	return got
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil, 0, nil)
	defer bus.Close()

	ch := make(chan Event, 16)
	bus.Subscribe(TopicTasks, func(e Event) { ch <- e })

	event := NewEvent(EventTaskCreated, "task-1", "agent-a", map[string]interface{}{"title": "x"})
	bus.Publish(event)

	got := collect(t, ch, 1)
	if got[0].ID != event.ID {
		t.Errorf("expected event ID %s, got %s", event.ID, got[0].ID)
	}
	if got[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", got[0].Seq)
	}
}

func TestBus_TopicIsolationAndWildcard(t *testing.T) {
	bus := NewBus(nil, 0, nil)
	defer bus.Close()

	taskCh := make(chan Event, 16)
	allCh := make(chan Event, 16)
	bus.Subscribe(TopicTasks, func(e Event) { taskCh <- e })
	bus.Subscribe(TopicAll, func(e Event) { allCh <- e })

	bus.Publish(NewEvent(EventTaskCreated, "task-1", "", nil))
	bus.Publish(NewEvent(EventProposalSubmitted, "task-1", "agent-a", nil))

	all := collect(t, allCh, 2)
	if all[0].Type != EventTaskCreated || all[1].Type != EventProposalSubmitted {
		t.Errorf("wildcard subscriber got wrong order: %s, %s", all[0].Type, all[1].Type)
	}

	got := collect(t, taskCh, 1)
	if got[0].Type != EventTaskCreated {
		t.Errorf("task subscriber got %s", got[0].Type)
	}
	select {
	case e := <-taskCh:
		t.Errorf("task subscriber should not receive %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_MonotonicSequence(t *testing.T) {
	bus := NewBus(nil, 0, nil)
	defer bus.Close()

	ch := make(chan Event, 64)
	bus.Subscribe(TopicTasks, func(e Event) { ch <- e })

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(NewEvent(EventTaskStatusChanged, "task-1", "", nil))
	}

	got := collect(t, ch, n)
	for i := 1; i < n; i++ {
		if got[i].Seq != got[i-1].Seq+1 {
			t.Fatalf("sequence gap at %d: %d then %d", i, got[i-1].Seq, got[i].Seq)
		}
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(nil, 4, nil)
	defer bus.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []uint64
	sub := bus.Subscribe(TopicTasks, func(e Event) {
		<-block
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
	})

	fastCh := make(chan Event, 64)
	bus.Subscribe(TopicTasks, func(e Event) { fastCh <- e })

	// First event occupies the worker; the next 10 overflow a queue of 4.
	for i := 0; i < 11; i++ {
		bus.Publish(NewEvent(EventTaskCreated, "task-1", "", nil))
	}

	// The fast subscriber is unaffected by the stalled one.
	collect(t, fastCh, 11)

	close(block)
	deadline := time.After(2 * time.Second)
	for {
		if sub.Dropped() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected drops for the slow subscriber")
		case <-time.After(10 * time.Millisecond):
		}
	}

	bus.Unsubscribe(sub)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("delivery out of order: %v", seen)
		}
	}
}

func TestBus_HandlerPanicKeepsSubscriberAlive(t *testing.T) {
	bus := NewBus(nil, 0, nil)
	defer bus.Close()

	ch := make(chan Event, 16)
	calls := 0
	bus.Subscribe(TopicTasks, func(e Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		ch <- e
	})

	bus.Publish(NewEvent(EventTaskCreated, "task-1", "", nil))
	bus.Publish(NewEvent(EventTaskCompleted, "task-1", "", nil))

	got := collect(t, ch, 1)
	if got[0].Type != EventTaskCompleted {
		t.Errorf("expected second event after panic, got %s", got[0].Type)
	}
}

func TestBus_UnsubscribeDrains(t *testing.T) {
	bus := NewBus(nil, 0, nil)

	var mu sync.Mutex
	count := 0
	sub := bus.Subscribe(TopicTasks, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventTaskCreated, "task-1", "", nil))
	}
	bus.Unsubscribe(sub)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 5 {
		t.Errorf("expected 5 delivered before release, got %d", got)
	}
	bus.Close()
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		event EventType
		topic Topic
	}{
		{EventTaskCreated, TopicTasks},
		{EventTaskFailed, TopicTasks},
		{EventProposalSubmitted, TopicProposals},
		{EventDecisionMade, TopicDecisions},
		{EventConsensusReached, TopicDecisions},
		{EventAgentStatusChanged, TopicAgents},
		{EventMetricRecorded, TopicMetrics},
	}
	for _, tt := range tests {
		if got := TopicFor(tt.event); got != tt.topic {
			t.Errorf("TopicFor(%s) = %s, want %s", tt.event, got, tt.topic)
		}
	}
}
