package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loopkeep/loopkeep/internal/store"
)

type collectSink struct {
	events []store.DomainEvent
	fail   bool
}

func (s *collectSink) Deliver(_ context.Context, ev store.DomainEvent) error {
	if s.fail {
		return errors.New("downstream unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loopkeep.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func publishTestEvent(t *testing.T, st *store.Store, eventType string) string {
	t.Helper()
	id, err := st.PublishEvent(context.Background(), store.PublishEventParams{
		AccountID:   "acct-1",
		EventType:   eventType,
		AggregateID: "task-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return id
}

func TestDrain_DeliversAndMarksPublished(t *testing.T) {
	st := openTestStore(t)
	sink := &collectSink{}
	relay, err := NewRelay(Config{Store: st, Sink: sink})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx := context.Background()

	publishTestEvent(t, st, store.EventTaskEscalated)
	publishTestEvent(t, st, store.EventTaskCompleted)

	if n := relay.Drain(ctx); n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(sink.events) != 2 {
		t.Fatalf("sink saw %d events", len(sink.events))
	}

	pending, err := st.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}

	// Second drain is a no-op: at-least-once, not at-least-twice.
	if n := relay.Drain(ctx); n != 0 {
		t.Fatalf("expected idle drain, delivered %d", n)
	}
}

func TestDrain_FailedDeliveryStaysPending(t *testing.T) {
	st := openTestStore(t)
	sink := &collectSink{fail: true}
	relay, err := NewRelay(Config{Store: st, Sink: sink})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx := context.Background()

	publishTestEvent(t, st, store.EventTaskEscalated)

	if n := relay.Drain(ctx); n != 0 {
		t.Fatalf("expected 0 delivered, got %d", n)
	}
	pending, err := st.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed delivery must stay pending, got %d", len(pending))
	}

	// Recovery: the next drain picks it up.
	sink.fail = false
	if n := relay.Drain(ctx); n != 1 {
		t.Fatalf("expected redelivery, got %d", n)
	}
}
