package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStatusChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStatusChanged, TaskStatusChangedEvent{
		TaskID:    "task-1",
		OldStatus: "open",
		NewStatus: "awaiting_reply",
	})

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(TaskStatusChangedEvent)
		if !ok {
			t.Fatalf("payload type %T", event.Payload)
		}
		if payload.TaskID != "task-1" || payload.NewStatus != "awaiting_reply" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	commandSub := b.Subscribe("command.")
	defer b.Unsubscribe(commandSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicCommandDeadLetter, CommandEvent{CommandID: "cmd-1"})
	b.Publish(TopicTaskCreated, TaskStatusChangedEvent{TaskID: "task-1"})

	select {
	case event := <-commandSub.Ch():
		if event.Topic != TopicCommandDeadLetter {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCommandDeadLetter)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for command event")
	}

	select {
	case event := <-commandSub.Ch():
		t.Fatalf("unexpected event on command subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for catch-all event")
		}
	}
}

func TestBus_NonBlockingDropsWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicCommandSucceeded)
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicCommandSucceeded, CommandEvent{CommandID: "cmd"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // double unsubscribe is safe

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d", n)
	}
}
