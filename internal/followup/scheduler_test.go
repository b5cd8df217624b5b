package followup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/oracle"
	"github.com/loopkeep/loopkeep/internal/store"
)

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

// quietTask creates an awaiting_reply task with n recorded outbound messages
// and a next_action_at already in the past.
func quietTask(t *testing.T, st *store.Store, n int) string {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateTask(ctx, store.CreateTaskParams{
		AccountID:    "acct-1",
		TaskType:     "churn_risk",
		ContactEmail: "member@example.com",
		Goal:         "win back the member",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.UpdateTaskStatus(ctx, id, store.TaskStatusAwaitingReply, nil); err != nil {
		t.Fatalf("awaiting: %v", err)
	}
	for i := 0; i < n; i++ {
		cmdID, err := st.InsertCommand(ctx, store.InsertCommandParams{
			AccountID:   "acct-1",
			CommandType: commandbus.CommandSendEmail,
			Payload:     "{}",
			IssuedBy:    "retention",
			TaskID:      id,
		})
		if err != nil {
			t.Fatalf("insert command: %v", err)
		}
		if _, err := st.RecordOutboundMessage(ctx, store.RecordOutboundParams{
			AccountID: "acct-1",
			CommandID: cmdID,
			TaskID:    id,
			Recipient: "member@example.com",
			Subject:   "checking in",
			Body:      "<p>hello</p>",
		}); err != nil {
			t.Fatalf("record outbound: %v", err)
		}
	}
	// Settle the seeded commands so tests can count fresh sends.
	claimed, err := st.ClaimDueCommands(ctx, time.Now().UTC().Add(time.Minute), n)
	if err != nil {
		t.Fatalf("claim seeded commands: %v", err)
	}
	for _, cmd := range claimed {
		if err := st.MarkCommandSucceeded(ctx, cmd.ID, "seeded"); err != nil {
			t.Fatalf("settle seeded command: %v", err)
		}
	}
	if err := st.SetNextActionAt(ctx, id, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("set next action: %v", err)
	}
	return id
}

func newTestScheduler(t *testing.T, st *store.Store, llm oracle.Oracle, now func() time.Time) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{
		Store:    st,
		Oracle:   llm,
		Commands: commandbus.New(commandbus.Config{Store: st}),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func scripted(response string) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		return response, nil
	})
}

func failing(err error) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		return "", err
	})
}

func TestTick_FollowUpSendsAndReschedules(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC()
	s := newTestScheduler(t, st, scripted(
		`{"action": "follow_up", "message": "Just checking in, still interested?"}`),
		func() time.Time { return now })
	ctx := context.Background()

	id := quietTask(t, st, 1)
	s.Tick(ctx)

	counts, err := st.CountCommands(ctx)
	if err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("expected a pending follow-up send, got %+v", counts)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %q", task.Status)
	}
	if task.NextActionAt == nil {
		t.Fatal("next_action_at must be rescheduled")
	}
	// Oracle omitted next_check_days: default is 7.
	got := task.NextActionAt.Sub(now)
	if got < 6*24*time.Hour || got > 8*24*time.Hour {
		t.Fatalf("expected ~7 day reschedule, got %v", got)
	}
}

func TestTick_FollowUpWithoutMessageClosesUnresponsive(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC()
	s := newTestScheduler(t, st, scripted(`{"action": "follow_up", "message": "   "}`),
		func() time.Time { return now })
	ctx := context.Background()

	id := quietTask(t, st, 2)
	s.Tick(ctx)

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusResolved {
		t.Fatalf("expected resolved, got %q", task.Status)
	}
	if task.Outcome != OutcomeUnresponsive {
		t.Fatalf("expected unresponsive, got %q", task.Outcome)
	}
}

func TestTick_WaitDefaultsThreeDays(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC()
	s := newTestScheduler(t, st, scripted(`{"action": "wait", "reasoning": "holiday week"}`),
		func() time.Time { return now })
	ctx := context.Background()

	id := quietTask(t, st, 1)
	s.Tick(ctx)

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %q", task.Status)
	}
	if task.NextActionAt == nil {
		t.Fatal("wait must set next_action_at")
	}
	got := task.NextActionAt.Sub(now)
	if got < 2*24*time.Hour || got > 4*24*time.Hour {
		t.Fatalf("expected ~3 day wait, got %v", got)
	}
}

func TestTick_OracleFailureHeuristic(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC()
	s := newTestScheduler(t, st, failing(errors.New("model down")),
		func() time.Time { return now })
	ctx := context.Background()

	// Three messages already sent: give up.
	giveUpID := quietTask(t, st, 3)
	// One message sent: wait three days and retry.
	waitID := quietTask(t, st, 1)

	s.Tick(ctx)

	giveUp, err := st.GetTask(ctx, giveUpID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if giveUp.Status != store.TaskStatusResolved || giveUp.Outcome != OutcomeUnresponsive {
		t.Fatalf("expected close/unresponsive at 3 messages, got %q/%q", giveUp.Status, giveUp.Outcome)
	}

	waiting, err := st.GetTask(ctx, waitID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if waiting.Status != store.TaskStatusAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %q", waiting.Status)
	}
	if waiting.NextActionAt == nil {
		t.Fatal("heuristic wait must set next_action_at")
	}
	got := waiting.NextActionAt.Sub(now)
	if got < 2*24*time.Hour || got > 4*24*time.Hour {
		t.Fatalf("expected 3 day heuristic wait, got %v", got)
	}

	// No command was issued without an oracle decision to send.
	counts, err := st.CountCommands(ctx)
	if err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if counts.Pending != 0 {
		t.Fatalf("heuristic must not send mail, got %+v", counts)
	}
}

func TestTick_UnknownActionEscalates(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC()
	s := newTestScheduler(t, st, scripted(`{"action": "send_gift_card", "reasoning": "be generous"}`),
		func() time.Time { return now })
	ctx := context.Background()

	id := quietTask(t, st, 1)
	s.Tick(ctx)

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusEscalated {
		t.Fatalf("unknown action must escalate, got %q", task.Status)
	}
}
