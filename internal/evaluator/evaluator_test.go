package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/knowledge"
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

func newTestEvaluator(t *testing.T, st *store.Store, scripted oracle.Oracle) *Evaluator {
	t.Helper()
	commands := commandbus.New(commandbus.Config{Store: st})
	eval, err := New(Deps{
		Store:     st,
		Oracle:    scripted,
		Commands:  commands,
		Knowledge: knowledge.NewSaver(st, slog.Default()),
	})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return eval
}

func createAwaitingTask(t *testing.T, st *store.Store) string {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateTask(ctx, store.CreateTaskParams{
		AccountID:    "acct-1",
		TaskType:     "churn_risk",
		ContactEmail: "member@example.com",
		ContactName:  "Jordan",
		Goal:         "win back a lapsed gym member",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.AppendMessage(ctx, id, store.AppendMessageParams{
		Role:    store.RoleAgent,
		Content: "Hi Jordan, we noticed you haven't visited in a while.",
	}); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}
	if err := st.UpdateTaskStatus(ctx, id, store.TaskStatusAwaitingReply, nil); err != nil {
		t.Fatalf("awaiting: %v", err)
	}
	return id
}

func scriptedOracle(response string) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		return response, nil
	})
}

func failingOracle(err error) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		return "", err
	})
}

func TestEvaluateTask_ProseOnlyFallsBackToEscalate(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle("I really think a human should look at this one."))
	id := createAwaitingTask(t, st)

	d, err := eval.EvaluateTask(context.Background(), id)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate fallback, got %q", d.Action)
	}
	if d.Score != 0 || d.Resolved {
		t.Fatalf("fallback must be conservative: %+v", d)
	}
	if d.Reasoning == "" {
		t.Fatal("fallback must carry the failure description")
	}
}

func TestEvaluateTask_OracleErrorFallsBackToEscalate(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, failingOracle(errors.New("model overloaded")))
	id := createAwaitingTask(t, st)

	d, err := eval.EvaluateTask(context.Background(), id)
	if err != nil {
		t.Fatalf("oracle failure must not surface as an error: %v", err)
	}
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate fallback, got %q", d.Action)
	}
}

func TestHandleReply_MissingTaskIsNoOp(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle(`{"action":"reply"}`))

	if err := eval.HandleReply(context.Background(), "no-such-task", "hello?"); err != nil {
		t.Fatalf("missing task must be dropped silently, got %v", err)
	}
}

func TestHandleReply_DeclineClosesAsChurned(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle(
		`{"action": "close", "outcome": "churned", "score": 5, "resolved": true, "reasoning": "explicit decline"}`))
	id := createAwaitingTask(t, st)
	ctx := context.Background()

	if err := eval.HandleReply(ctx, id, "Not interested, please stop emailing me."); err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusResolved {
		t.Fatalf("expected resolved, got %q", task.Status)
	}
	if task.Outcome != "churned" {
		t.Fatalf("expected churned outcome, got %q", task.Outcome)
	}

	// Member turn and decision annotation are both on the transcript.
	full, err := st.ConversationHistory(ctx, id, true)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawMember, sawAnnotation bool
	for _, m := range full {
		if m.Role == store.RoleMember {
			sawMember = true
		}
		if m.Role == store.RoleSystem && m.Evaluation != "" {
			sawAnnotation = true
		}
	}
	if !sawMember || !sawAnnotation {
		t.Fatalf("transcript missing member turn or annotation: member=%v annotation=%v", sawMember, sawAnnotation)
	}
}

func TestHandleReply_CommitmentClosesEngaged(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle(
		`{"action": "close", "outcome": "engaged", "score": 85, "resolved": true, "reasoning": "committed to attend"}`))
	id := createAwaitingTask(t, st)
	ctx := context.Background()

	if err := eval.HandleReply(ctx, id, "You're right, I'll be there Thursday!"); err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Outcome != "engaged" {
		t.Fatalf("expected engaged, got %q", task.Outcome)
	}
	if task.OutcomeScore <= 70 {
		t.Fatalf("expected score above 70, got %d", task.OutcomeScore)
	}
}

func TestHandleReply_ReplyIssuesSendCommand(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle(
		`{"action": "reply", "message": "We'd love to see you back. How about a free class?", "score": 60}`))
	id := createAwaitingTask(t, st)
	ctx := context.Background()

	if err := eval.HandleReply(ctx, id, "Maybe, what do you offer?"); err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %q", task.Status)
	}

	counts, err := st.CountCommands(ctx)
	if err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("expected 1 pending send command, got %+v", counts)
	}

	history, err := st.ConversationHistory(ctx, id, false)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Role != store.RoleAgent {
		t.Fatalf("expected agent turn appended, got %q", last.Role)
	}
}

func TestHandleReply_EscalatePublishesEvent(t *testing.T) {
	st := openTestStore(t)
	eval := newTestEvaluator(t, st, scriptedOracle(
		`{"action": "escalate", "reasoning": "legal threat"}`))
	id := createAwaitingTask(t, st)
	ctx := context.Background()

	if err := eval.HandleReply(ctx, id, "I'm going to sue you."); err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusEscalated || task.Outcome != "escalated" {
		t.Fatalf("expected escalated/escalated, got %q/%q", task.Status, task.Outcome)
	}

	pending, err := st.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawEscalated bool
	for _, ev := range pending {
		if ev.EventType == store.EventTaskEscalated && ev.AggregateID == id {
			sawEscalated = true
		}
	}
	if !sawEscalated {
		t.Fatal("expected a task.escalated event")
	}
}

func TestHandleReply_NoteworthySavedAndFailureIsolated(t *testing.T) {
	st := openTestStore(t)
	response := `{"action": "reply", "message": "Great, see you then!", "noteworthy": ["prefers morning classes"]}`

	eval := newTestEvaluator(t, st, scriptedOracle(response))
	id := createAwaitingTask(t, st)
	ctx := context.Background()

	if err := eval.HandleReply(ctx, id, "Mornings work best for me."); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	facts, err := st.ListMemberFacts(ctx, "acct-1", "member@example.com")
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Fact != "prefers morning classes" {
		t.Fatalf("expected the noteworthy fact stored, got %+v", facts)
	}

	// A broken knowledge store must not block the primary send.
	brokenStore := openTestStore(t)
	_ = brokenStore.Close()
	eval2, err := New(Deps{
		Store:     st,
		Oracle:    scriptedOracle(response),
		Commands:  commandbus.New(commandbus.Config{Store: st}),
		Knowledge: knowledge.NewSaver(brokenStore, slog.Default()),
	})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	id2 := createAwaitingTask(t, st)
	before, _ := st.CountCommands(ctx)
	if err := eval2.HandleReply(ctx, id2, "Mornings again."); err != nil {
		t.Fatalf("side-channel failure must not surface: %v", err)
	}
	after, err := st.CountCommands(ctx)
	if err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if after.Pending != before.Pending+1 {
		t.Fatal("primary send command was not issued")
	}
}
