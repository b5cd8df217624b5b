// Package evaluator is the decision engine: it turns member replies into
// validated retention decisions and acts on them.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/knowledge"
	"github.com/loopkeep/loopkeep/internal/oracle"
	"github.com/loopkeep/loopkeep/internal/skills"
	"github.com/loopkeep/loopkeep/internal/store"
	"github.com/loopkeep/loopkeep/internal/telemetry"
)

// DefaultCloseOutcome is used when a close decision carries no outcome.
const DefaultCloseOutcome = "completed"

// Deps bundles the capabilities an Evaluator needs.
type Deps struct {
	Store     *store.Store
	Oracle    oracle.Oracle
	Commands  *commandbus.Bus
	Skills    *skills.Resolver
	Knowledge *knowledge.Saver
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

// Evaluator runs the evaluate-decide-act loop for one task at a time.
// Callers must not invoke HandleReply concurrently for the same task id.
type Evaluator struct {
	deps   Deps
	parser *DecisionParser
}

// New builds an Evaluator and compiles the decision schema.
func New(deps Deps) (*Evaluator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("evaluator: store required")
	}
	if deps.Oracle == nil {
		return nil, fmt.Errorf("evaluator: oracle required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	parser, err := NewDecisionParser()
	if err != nil {
		return nil, err
	}
	return &Evaluator{deps: deps, parser: parser}, nil
}

// EvaluateTask loads the task and its transcript, consults the oracle, and
// returns a validated decision. Oracle failure or unparseable output never
// surfaces as an error: the fallback is a fixed escalate decision carrying
// the failure description, so a broken oracle always routes the task to a
// human instead of dropping it.
func (e *Evaluator) EvaluateTask(ctx context.Context, taskID string) (*Decision, error) {
	task, err := e.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, e.deps.Tracer, "evaluator.evaluate",
		telemetry.AttrTaskID.String(task.ID),
		telemetry.AttrTaskType.String(task.TaskType),
	)
	defer span.End()

	history, err := e.deps.Store.ConversationHistory(ctx, taskID, false)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	system := e.systemPrompt(task)
	prompt := e.replyPrompt(task, history)

	decision := e.consultOracle(ctx, task, system, prompt)
	decision.CoerceAction(ActionReply, ActionClose, ActionEscalate, ActionWait)

	if e.deps.Metrics != nil {
		e.deps.Metrics.Evaluations.Add(ctx, 1,
			telemetry.WithAttrs(telemetry.AttrAction.String(decision.Action)))
	}
	span.SetAttributes(attribute.String("loopkeep.decision.action", decision.Action))
	return decision, nil
}

// consultOracle calls the oracle and parses its output, falling back to an
// escalate decision on any failure.
func (e *Evaluator) consultOracle(ctx context.Context, task *store.Task, system, prompt string) *Decision {
	start := time.Now()
	raw, err := e.deps.Oracle.Evaluate(ctx, system, prompt)
	if e.deps.Metrics != nil {
		e.deps.Metrics.OracleDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		e.deps.Logger.Error("oracle call failed", "task_id", task.ID, "error", err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.OracleFailures.Add(ctx, 1)
		}
		return escalateFallback(fmt.Sprintf("AI evaluation failed: %v", err))
	}

	decision, err := e.parser.Parse(raw)
	if err != nil {
		e.deps.Logger.Error("oracle response unparseable", "task_id", task.ID, "error", err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.OracleFailures.Add(ctx, 1)
		}
		return escalateFallback(fmt.Sprintf("AI response could not be parsed: %v", err))
	}
	return decision
}

func escalateFallback(reason string) *Decision {
	return &Decision{
		Action:    ActionEscalate,
		Reasoning: reason,
		Score:     0,
		Resolved:  false,
	}
}

// HandleReply processes one inbound member message: append it to the
// transcript, evaluate, record the decision as a system annotation, then act.
// A reply for a task that no longer exists is logged and dropped.
func (e *Evaluator) HandleReply(ctx context.Context, taskID, content string) error {
	task, err := e.deps.Store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		e.deps.Logger.Warn("reply for unknown task dropped", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, e.deps.Tracer, "evaluator.handle_reply",
		telemetry.AttrTaskID.String(task.ID),
		telemetry.AttrAccountID.String(task.AccountID),
	)
	defer span.End()

	if _, err := e.deps.Store.AppendMessage(ctx, taskID, store.AppendMessageParams{
		Role:    store.RoleMember,
		Content: content,
	}); err != nil {
		return fmt.Errorf("append member message: %w", err)
	}

	decision, err := e.EvaluateTask(ctx, taskID)
	if err != nil {
		return err
	}

	e.annotateDecision(ctx, taskID, decision)
	if err := e.act(ctx, task, decision); err != nil {
		return err
	}
	e.saveNoteworthy(ctx, task, decision)
	return nil
}

// annotateDecision records the decision in the transcript for audit. Best
// effort: a failed annotation must not block acting on the decision.
func (e *Evaluator) annotateDecision(ctx context.Context, taskID string, decision *Decision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := e.deps.Store.AppendMessage(ctx, taskID, store.AppendMessageParams{
		Role:       store.RoleSystem,
		Content:    "agent decision: " + decision.Action,
		Evaluation: string(payload),
	}); err != nil {
		e.deps.Logger.Error("decision annotation failed", "task_id", taskID, "error", err)
	}
}

func (e *Evaluator) act(ctx context.Context, task *store.Task, decision *Decision) error {
	switch decision.Action {
	case ActionReply:
		if decision.Message == "" {
			e.deps.Logger.Warn("reply decision without message; waiting", "task_id", task.ID)
			return nil
		}
		if err := e.sendReply(ctx, task, decision.Message); err != nil {
			return err
		}
		if task.Status != store.TaskStatusAwaitingReply {
			if err := e.deps.Store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusAwaitingReply, nil); err != nil {
				return fmt.Errorf("mark awaiting reply: %w", err)
			}
		}
		return nil

	case ActionClose:
		if decision.Message != "" {
			if err := e.sendReply(ctx, task, decision.Message); err != nil {
				return err
			}
		}
		outcome := decision.Outcome
		if outcome == "" {
			outcome = DefaultCloseOutcome
		}
		if err := e.deps.Store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusResolved, &store.StatusOpts{
			Outcome:       outcome,
			OutcomeScore:  decision.Score,
			OutcomeReason: decision.Reasoning,
		}); err != nil {
			return fmt.Errorf("resolve task: %w", err)
		}
		e.publishEvent(ctx, task, store.EventTaskCompleted, decision)
		return nil

	case ActionEscalate:
		return e.Escalate(ctx, task, decision)

	case ActionWait:
		return nil

	default:
		// CoerceAction keeps this unreachable; treat like wait if it happens.
		e.deps.Logger.Warn("unhandled decision action", "task_id", task.ID, "action", decision.Action)
		return nil
	}
}

// Escalate hands the task off to a human: terminal-ish status plus a
// task.escalated event carrying the reason and contact.
func (e *Evaluator) Escalate(ctx context.Context, task *store.Task, decision *Decision) error {
	if err := e.deps.Store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusEscalated, &store.StatusOpts{
		Outcome:       "escalated",
		OutcomeScore:  decision.Score,
		OutcomeReason: decision.Reasoning,
	}); err != nil {
		return fmt.Errorf("escalate task: %w", err)
	}
	e.publishEvent(ctx, task, store.EventTaskEscalated, decision)
	if e.deps.Metrics != nil {
		e.deps.Metrics.Escalations.Add(ctx, 1)
	}
	return nil
}

func (e *Evaluator) publishEvent(ctx context.Context, task *store.Task, eventType string, decision *Decision) {
	payload, err := json.Marshal(map[string]any{
		"task_id":       task.ID,
		"task_type":     task.TaskType,
		"contact_email": task.ContactEmail,
		"contact_name":  task.ContactName,
		"reason":        decision.Reasoning,
		"outcome":       decision.Outcome,
		"score":         decision.Score,
	})
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := e.deps.Store.PublishEvent(ctx, store.PublishEventParams{
		AccountID:     task.AccountID,
		EventType:     eventType,
		AggregateID:   task.ID,
		AggregateType: "task",
		Payload:       string(payload),
	}); err != nil {
		e.deps.Logger.Error("event publish failed", "task_id", task.ID, "event_type", eventType, "error", err)
	}
}

// sendReply issues a durable send_email command and mirrors the text into the
// transcript as an agent turn.
func (e *Evaluator) sendReply(ctx context.Context, task *store.Task, message string) error {
	if e.deps.Commands == nil {
		return fmt.Errorf("no command bus wired")
	}
	payload, err := json.Marshal(mailerPayload{
		To:            task.ContactEmail,
		Subject:       "Re: " + task.Goal,
		HTML:          message,
		RecipientName: task.ContactName,
		ReplyToken:    task.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal send payload: %w", err)
	}
	if _, err := e.deps.Commands.Issue(ctx, commandbus.IssueParams{
		AccountID:   task.AccountID,
		CommandType: commandbus.CommandSendEmail,
		Payload:     string(payload),
		IssuedBy:    task.AgentName,
		TaskID:      task.ID,
	}); err != nil {
		return fmt.Errorf("issue send command: %w", err)
	}
	if _, err := e.deps.Store.AppendMessage(ctx, task.ID, store.AppendMessageParams{
		Role:      store.RoleAgent,
		Content:   message,
		AgentName: task.AgentName,
	}); err != nil {
		return fmt.Errorf("append agent message: %w", err)
	}
	return nil
}

// mailerPayload mirrors mailer.SendEmailPayload without importing the
// package; the wire contract is the JSON field names.
type mailerPayload struct {
	To            string `json:"to"`
	Subject       string `json:"subject"`
	HTML          string `json:"html"`
	RecipientName string `json:"recipient_name,omitempty"`
	ReplyToken    string `json:"reply_token,omitempty"`
}

// saveNoteworthy persists facts the oracle flagged about the member. Best
// effort only: failures are logged and swallowed so the primary flow is
// never blocked by the knowledge side channel.
func (e *Evaluator) saveNoteworthy(ctx context.Context, task *store.Task, decision *Decision) {
	if e.deps.Knowledge == nil || len(decision.Noteworthy) == 0 {
		return
	}
	if _, err := e.deps.Knowledge.Save(ctx, task.AccountID, task.ContactEmail, task.ID, decision.Noteworthy); err != nil {
		e.deps.Logger.Warn("noteworthy fact save failed", "task_id", task.ID, "error", err)
	}
}

func (e *Evaluator) systemPrompt(task *store.Task) string {
	instructions := skills.FallbackInstructions
	if e.deps.Skills != nil {
		instructions = e.deps.Skills.Resolve(task.TaskType)
	}
	return instructions
}

// replyPrompt renders the task goal, contact, and transcript for the oracle.
// System-role annotations are excluded so machine notes never leak into the
// conversation the model reasons over.
func (e *Evaluator) replyPrompt(task *store.Task, history []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", task.Goal)
	fmt.Fprintf(&b, "Member: %s", task.ContactEmail)
	if task.ContactName != "" {
		fmt.Fprintf(&b, " (%s)", task.ContactName)
	}
	b.WriteString("\n")
	if task.Context != "" && task.Context != "{}" {
		fmt.Fprintf(&b, "Context: %s\n", task.Context)
	}
	b.WriteString("\nConversation so far:\n")
	b.WriteString(RenderTranscript(history))
	b.WriteString("\nRespond with a single JSON object: " +
		`{"action": "reply|close|escalate|wait", "message": "...", "reasoning": "...", ` +
		`"outcome": "...", "score": 0-100, "resolved": true|false, "noteworthy": ["..."]}`)
	return b.String()
}

// RenderTranscript formats agent and member turns as [BUSINESS]/[MEMBER]
// lines. System rows must already be filtered out by the caller.
func RenderTranscript(history []store.Message) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case store.RoleAgent:
			fmt.Fprintf(&b, "[BUSINESS] %s\n", m.Content)
		case store.RoleMember:
			fmt.Fprintf(&b, "[MEMBER] %s\n", m.Content)
		}
	}
	return b.String()
}
