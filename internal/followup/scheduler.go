// Package followup nudges, closes, or escalates tasks that have been waiting
// on a member reply past their deadline.
package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/evaluator"
	"github.com/loopkeep/loopkeep/internal/oracle"
	"github.com/loopkeep/loopkeep/internal/skills"
	"github.com/loopkeep/loopkeep/internal/store"
	"github.com/loopkeep/loopkeep/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Defaults applied when the oracle omits next_check_days.
const (
	DefaultFollowUpDays = 7
	DefaultWaitDays     = 3

	// OutcomeUnresponsive closes a task whose member never answered.
	OutcomeUnresponsive = "unresponsive"

	// maxQuietOutbound is the give-up threshold for the count heuristic.
	maxQuietOutbound = 3
)

// Config holds the dependencies for the follow-up scheduler.
type Config struct {
	Store     *store.Store
	Oracle    oracle.Oracle
	Evaluator *evaluator.Evaluator
	Commands  *commandbus.Bus
	Skills    *skills.Resolver
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics

	// Interval is the tick interval; defaults to 15 minutes.
	Interval time.Duration

	// CronExpr, when set, gates ticks to a 5-field cron schedule instead of
	// firing on every interval.
	CronExpr string

	// QuietAfter is how long a task may sit in awaiting_reply with no
	// next_action_at before it is considered due. Defaults to 72h.
	QuietAfter time.Duration

	// BatchSize caps tasks evaluated per tick. Defaults to 20.
	BatchSize int

	Now func() time.Time
}

// Scheduler periodically sweeps awaiting_reply tasks and decides whether to
// follow up, give up, escalate, or keep waiting.
type Scheduler struct {
	cfg    Config
	parser *evaluator.DecisionParser

	cronSched cronlib.Schedule
	nextFire  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("followup: store required")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("followup: oracle required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.QuietAfter <= 0 {
		cfg.QuietAfter = 72 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	parser, err := evaluator.NewDecisionParser()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{cfg: cfg, parser: parser}
	if cfg.CronExpr != "" {
		sched, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("followup: parse cron expression: %w", err)
		}
		s.cronSched = sched
		s.nextFire = sched.Next(cfg.Now())
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("follow-up scheduler started", "interval", s.cfg.Interval, "cron", s.cfg.CronExpr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("follow-up scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.shouldFire() {
				continue
			}
			s.Tick(ctx)
		}
	}
}

// shouldFire applies the optional cron gate on top of the tick interval.
func (s *Scheduler) shouldFire() bool {
	if s.cronSched == nil {
		return true
	}
	now := s.cfg.Now()
	if now.Before(s.nextFire) {
		return false
	}
	s.nextFire = s.cronSched.Next(now)
	return true
}

// Tick evaluates every due awaiting_reply task once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.cfg.Now()
	due, err := s.cfg.Store.ListFollowUpDue(ctx, now, s.cfg.QuietAfter, s.cfg.BatchSize)
	if err != nil {
		s.cfg.Logger.Error("follow-up sweep failed", "error", err)
		return
	}
	for _, task := range due {
		if err := s.evaluateTask(ctx, task); err != nil {
			s.cfg.Logger.Error("follow-up evaluation failed", "task_id", task.ID, "error", err)
		}
	}
}

// evaluateTask runs one no-reply evaluation and acts on the decision.
func (s *Scheduler) evaluateTask(ctx context.Context, task store.Task) error {
	ctx, span := telemetry.StartSpan(ctx, s.cfg.Tracer, "followup.evaluate",
		telemetry.AttrTaskID.String(task.ID),
		telemetry.AttrTaskType.String(task.TaskType),
	)
	defer span.End()

	messagesSent, err := s.cfg.Store.CountOutboundForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("count outbound: %w", err)
	}
	daysSince := 0
	if last, err := s.cfg.Store.LastOutboundAt(ctx, task.ID); err == nil && !last.IsZero() {
		daysSince = int(s.cfg.Now().Sub(last).Hours() / 24)
	}

	decision := s.decide(ctx, task, messagesSent, daysSince)
	s.annotate(ctx, task.ID, decision)
	return s.act(ctx, task, decision)
}

// decide consults the oracle; total failure falls back to the count
// heuristic rather than escalate, because a scheduler tick failing should
// not page a human.
func (s *Scheduler) decide(ctx context.Context, task store.Task, messagesSent, daysSince int) *evaluator.Decision {
	system := skills.FallbackInstructions
	if s.cfg.Skills != nil {
		system = s.cfg.Skills.Resolve(task.TaskType)
	}
	prompt, err := s.prompt(ctx, task, messagesSent, daysSince)
	if err != nil {
		s.cfg.Logger.Error("follow-up prompt build failed", "task_id", task.ID, "error", err)
		return s.heuristic(messagesSent)
	}

	raw, err := s.cfg.Oracle.Evaluate(ctx, system, prompt)
	if err != nil {
		s.cfg.Logger.Error("follow-up oracle call failed", "task_id", task.ID, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.OracleFailures.Add(ctx, 1)
		}
		return s.heuristic(messagesSent)
	}

	decision, err := s.parser.Parse(raw)
	if err != nil {
		s.cfg.Logger.Error("follow-up response unparseable", "task_id", task.ID, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.OracleFailures.Add(ctx, 1)
		}
		return s.heuristic(messagesSent)
	}

	decision.CoerceAction(evaluator.ActionFollowUp, evaluator.ActionClose, evaluator.ActionEscalate, evaluator.ActionWait)

	// An unmessaged follow-up is giving up in disguise.
	if decision.Action == evaluator.ActionFollowUp && strings.TrimSpace(decision.Message) == "" {
		decision.Action = evaluator.ActionClose
		decision.Outcome = OutcomeUnresponsive
	}
	if decision.NextCheckDays <= 0 {
		switch decision.Action {
		case evaluator.ActionFollowUp:
			decision.NextCheckDays = DefaultFollowUpDays
		case evaluator.ActionWait:
			decision.NextCheckDays = DefaultWaitDays
		}
	}
	return decision
}

// heuristic is the no-oracle fallback: give up after enough unanswered
// messages, otherwise check back in a few days.
func (s *Scheduler) heuristic(messagesSent int) *evaluator.Decision {
	if messagesSent >= maxQuietOutbound {
		return &evaluator.Decision{
			Action:    evaluator.ActionClose,
			Outcome:   OutcomeUnresponsive,
			Reasoning: fmt.Sprintf("no reply after %d messages", messagesSent),
		}
	}
	return &evaluator.Decision{
		Action:        evaluator.ActionWait,
		Reasoning:     "AI unavailable; retrying later",
		NextCheckDays: DefaultWaitDays,
	}
}

func (s *Scheduler) prompt(ctx context.Context, task store.Task, messagesSent, daysSince int) (string, error) {
	history, err := s.cfg.Store.ConversationHistory(ctx, task.ID, false)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", task.Goal)
	fmt.Fprintf(&b, "Member: %s", task.ContactEmail)
	if task.ContactName != "" {
		fmt.Fprintf(&b, " (%s)", task.ContactName)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Messages sent so far: %d\n", messagesSent)
	fmt.Fprintf(&b, "Days since last outbound message: %d\n", daysSince)
	b.WriteString("The member has not replied.\n")
	b.WriteString("\nConversation so far:\n")
	b.WriteString(evaluator.RenderTranscript(history))
	b.WriteString("\nRespond with a single JSON object: " +
		`{"action": "follow_up|close|escalate|wait", "message": "...", "reasoning": "...", ` +
		`"outcome": "...", "next_check_days": N}`)
	return b.String(), nil
}

func (s *Scheduler) annotate(ctx context.Context, taskID string, decision *evaluator.Decision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := s.cfg.Store.AppendMessage(ctx, taskID, store.AppendMessageParams{
		Role:       store.RoleSystem,
		Content:    "follow-up decision: " + decision.Action,
		Evaluation: string(payload),
	}); err != nil {
		s.cfg.Logger.Error("follow-up annotation failed", "task_id", taskID, "error", err)
	}
}

func (s *Scheduler) act(ctx context.Context, task store.Task, decision *evaluator.Decision) error {
	switch decision.Action {
	case evaluator.ActionFollowUp:
		if err := s.sendFollowUp(ctx, task, decision.Message); err != nil {
			return err
		}
		next := s.cfg.Now().AddDate(0, 0, decision.NextCheckDays)
		if err := s.cfg.Store.SetNextActionAt(ctx, task.ID, next); err != nil {
			return fmt.Errorf("set next action: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.FollowUpsSent.Add(ctx, 1)
		}
		return nil

	case evaluator.ActionClose:
		outcome := decision.Outcome
		if outcome == "" {
			outcome = OutcomeUnresponsive
		}
		if err := s.cfg.Store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusResolved, &store.StatusOpts{
			Outcome:       outcome,
			OutcomeScore:  decision.Score,
			OutcomeReason: decision.Reasoning,
		}); err != nil {
			return fmt.Errorf("resolve task: %w", err)
		}
		return nil

	case evaluator.ActionEscalate:
		if s.cfg.Evaluator != nil {
			return s.cfg.Evaluator.Escalate(ctx, &task, decision)
		}
		if err := s.cfg.Store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusEscalated, &store.StatusOpts{
			Outcome:       "escalated",
			OutcomeScore:  decision.Score,
			OutcomeReason: decision.Reasoning,
		}); err != nil {
			return fmt.Errorf("escalate task: %w", err)
		}
		return nil

	case evaluator.ActionWait:
		next := s.cfg.Now().AddDate(0, 0, decision.NextCheckDays)
		if err := s.cfg.Store.SetNextActionAt(ctx, task.ID, next); err != nil {
			return fmt.Errorf("set next action: %w", err)
		}
		return nil

	default:
		return nil
	}
}

// sendFollowUp issues the durable send command and records the agent turn.
func (s *Scheduler) sendFollowUp(ctx context.Context, task store.Task, message string) error {
	if s.cfg.Commands == nil {
		return fmt.Errorf("no command bus wired")
	}
	payload, err := json.Marshal(map[string]string{
		"to":             task.ContactEmail,
		"subject":        "Re: " + task.Goal,
		"html":           message,
		"recipient_name": task.ContactName,
		"reply_token":    task.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal send payload: %w", err)
	}
	if _, err := s.cfg.Commands.Issue(ctx, commandbus.IssueParams{
		AccountID:   task.AccountID,
		CommandType: commandbus.CommandSendEmail,
		Payload:     string(payload),
		IssuedBy:    task.AgentName,
		TaskID:      task.ID,
	}); err != nil {
		return fmt.Errorf("issue send command: %w", err)
	}
	if _, err := s.cfg.Store.AppendMessage(ctx, task.ID, store.AppendMessageParams{
		Role:      store.RoleAgent,
		Content:   message,
		AgentName: task.AgentName,
	}); err != nil {
		return fmt.Errorf("append agent message: %w", err)
	}
	return nil
}
