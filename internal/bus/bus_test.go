package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{
		TaskID:    "t-1",
		OldStatus: "queued",
		NewStatus: "running",
	})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStateChanged {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
		payload, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.NewStatus != "running" {
			t.Fatalf("unexpected status %q", payload.NewStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	runSub := b.Subscribe("run.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(runSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, nil)

	select {
	case ev := <-taskSub.Ch():
		if ev.Topic != TopicTaskCompleted {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("task subscriber did not receive event")
	}

	select {
	case ev := <-runSub.Ch():
		t.Fatalf("run subscriber should not receive %q", ev.Topic)
	default:
	}

	select {
	case <-allSub.Ch():
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(TopicTaskRetrying, i)
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != subscriberBuffer {
				t.Fatalf("expected %d buffered events, got %d", subscriberBuffer, received)
			}
			if got := sub.Dropped(); got != 10 {
				t.Fatalf("expected 10 dropped events, got %d", got)
			}
			return
		}
	}
}
