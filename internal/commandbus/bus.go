// Package commandbus dispatches durable commands from the outbox. Side
// effects are never executed inline: callers Issue a command, and periodic
// ProcessNext sweeps claim due commands, run the registered executor, and
// record the outcome with bounded retry and dead-lettering.
package commandbus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/loopkeep/loopkeep/internal/store"
	"github.com/loopkeep/loopkeep/internal/telemetry"
)

// Executor performs the side effect for one command type. It must return or
// fail within the bus's execution timeout; the returned string is stored as
// the command's result.
type Executor func(ctx context.Context, cmd store.Command) (result string, err error)

// Well-known command types.
const (
	CommandSendEmail = "send_email"
)

const (
	defaultBatchSize   = 10
	defaultExecTimeout = 30 * time.Second
	defaultInterval    = 30 * time.Second
	defaultStaleAfter  = 5 * time.Minute

	// Retry backoff tiers, keyed by the attempt count before this failure.
	firstRetryDelay  = 2 * time.Minute
	secondRetryDelay = 10 * time.Minute
)

// Config holds the dependencies for the command bus.
type Config struct {
	Store     *store.Store
	Executors map[string]Executor
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics

	// ExecTimeout bounds a single executor invocation. Defaults to 30s.
	ExecTimeout time.Duration
	// Interval is the background sweep cadence. Defaults to 30s.
	Interval time.Duration
	// BatchSize caps how many commands one sweep claims. Defaults to 10.
	BatchSize int
	// MaxAttempts is the retry budget applied to Issue calls that do not
	// set their own. Zero falls through to the store default.
	MaxAttempts int
	// StaleAfter is how long a processing claim may sit before the sweep
	// assumes its worker died and requeues the command. Defaults to 5m.
	StaleAfter time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Bus claims and executes durable commands.
type Bus struct {
	store       *store.Store
	executors   map[string]Executor
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *telemetry.Metrics
	execTimeout time.Duration
	interval    time.Duration
	batchSize   int
	maxAttempts int
	staleAfter  time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bus. The executor registry is closed at construction: the bus
// has no knowledge of what any command type actually does.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	execTimeout := cfg.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	executors := make(map[string]Executor, len(cfg.Executors))
	for name, exec := range cfg.Executors {
		executors[name] = exec
	}
	return &Bus{
		store:       cfg.Store,
		executors:   executors,
		logger:      logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		execTimeout: execTimeout,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: cfg.MaxAttempts,
		staleAfter:  staleAfter,
		now:         now,
	}
}

// IssueParams describes a command to enqueue.
type IssueParams struct {
	AccountID   string
	CommandType string
	Payload     string
	IssuedBy    string
	TaskID      string
	MaxAttempts int
}

// Issue persists a command for later dispatch and returns its id. This is
// cheap and safe to call from within any flow: nothing executes here.
func (b *Bus) Issue(ctx context.Context, p IssueParams) (string, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = b.maxAttempts
	}
	return b.store.InsertCommand(ctx, store.InsertCommandParams{
		AccountID:   p.AccountID,
		CommandType: p.CommandType,
		Payload:     p.Payload,
		IssuedBy:    p.IssuedBy,
		TaskID:      p.TaskID,
		MaxAttempts: p.MaxAttempts,
	})
}

// Result reports one ProcessNext sweep.
type Result struct {
	Processed int // commands that succeeded
	Failed    int // commands that errored (retried or dead-lettered)
}

// ProcessNext claims up to batchSize due commands and executes each one.
// Commands are claimed FIFO by next_attempt_at; there is no ordering
// guarantee across command types or accounts.
func (b *Bus) ProcessNext(ctx context.Context, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	now := b.now()
	claimed, err := b.store.ClaimDueCommands(ctx, now, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("claim due commands: %w", err)
	}

	var res Result
	for _, cmd := range claimed {
		if err := b.execute(ctx, cmd); err != nil {
			res.Failed++
		} else {
			res.Processed++
		}
	}
	return res, nil
}

// execute runs one claimed command to a terminal-or-retry state. The returned
// error only signals that the execution failed; the outcome is already
// durably recorded either way.
func (b *Bus) execute(ctx context.Context, cmd store.Command) error {
	ctx, span := telemetry.StartSpan(ctx, b.tracer, "command.execute",
		telemetry.AttrCommandID.String(cmd.ID),
		telemetry.AttrCommandType.String(cmd.CommandType),
	)
	defer span.End()

	executor, ok := b.executors[cmd.CommandType]
	if !ok {
		// A missing executor is a deployment error, not a transient fault:
		// dead-letter immediately, no retry.
		errMsg := fmt.Sprintf("no executor registered for command type %q", cmd.CommandType)
		if err := b.store.MarkCommandDead(ctx, cmd.ID, errMsg, false); err != nil {
			b.logger.Error("dead-letter unknown command type", "command_id", cmd.ID, "error", err)
			return err
		}
		b.logger.Error("command dead-lettered: unknown type",
			"command_id", cmd.ID, "command_type", cmd.CommandType)
		if b.metrics != nil {
			b.metrics.CommandsDead.Add(ctx, 1)
		}
		return fmt.Errorf("%s", errMsg)
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, b.execTimeout)
	result, execErr := executor(execCtx, cmd)
	cancel()
	if b.metrics != nil {
		b.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds())
	}

	if execErr == nil {
		if err := b.store.MarkCommandSucceeded(ctx, cmd.ID, result); err != nil {
			b.logger.Error("mark command succeeded", "command_id", cmd.ID, "error", err)
			return err
		}
		if b.metrics != nil {
			b.metrics.CommandsProcessed.Add(ctx, 1)
		}
		b.logger.Info("command executed",
			"command_id", cmd.ID, "command_type", cmd.CommandType, "attempt", cmd.Attempts+1)
		return nil
	}

	if cmd.Attempts+1 >= cmd.MaxAttempts {
		if err := b.store.MarkCommandDead(ctx, cmd.ID, execErr.Error(), true); err != nil {
			b.logger.Error("dead-letter command", "command_id", cmd.ID, "error", err)
			return err
		}
		b.logger.Error("command dead-lettered: retries exhausted",
			"command_id", cmd.ID, "command_type", cmd.CommandType,
			"attempts", cmd.Attempts+1, "error", execErr)
		if b.metrics != nil {
			b.metrics.CommandsDead.Add(ctx, 1)
		}
		return execErr
	}

	nextAttempt := b.now().Add(backoffDelay(cmd.Attempts))
	if err := b.store.ScheduleCommandRetry(ctx, cmd.ID, execErr.Error(), nextAttempt); err != nil {
		b.logger.Error("schedule command retry", "command_id", cmd.ID, "error", err)
		return err
	}
	b.logger.Warn("command failed, retry scheduled",
		"command_id", cmd.ID, "command_type", cmd.CommandType,
		"attempt", cmd.Attempts+1, "next_attempt_at", nextAttempt, "error", execErr)
	if b.metrics != nil {
		b.metrics.CommandsRetried.Add(ctx, 1)
	}
	return execErr
}

// backoffDelay returns the wait before the next attempt, keyed on the attempt
// count at failure time: 2 minutes after the first failure, 10 after the
// second. Additive jitter up to 25% spreads concurrent retries.
func backoffDelay(attempt int) time.Duration {
	var base time.Duration
	switch {
	case attempt <= 0:
		base = firstRetryDelay
	default:
		base = secondRetryDelay
	}
	jitter := time.Duration(rand.Int64N(int64(base / 4)))
	return base + jitter
}

// Start begins the background sweep loop.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.loop(ctx)
	b.logger.Info("command bus started", "interval", b.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	b.logger.Info("command bus stopped")
}

func (b *Bus) loop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	b.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Bus) sweep(ctx context.Context) {
	requeued, err := b.store.RequeueStaleProcessing(ctx, b.now().Add(-b.staleAfter))
	if err != nil {
		b.logger.Error("requeue stale commands failed", "error", err)
	} else if requeued > 0 {
		b.logger.Warn("requeued stale processing commands", "count", requeued)
	}
	res, err := b.ProcessNext(ctx, b.batchSize)
	if err != nil {
		b.logger.Error("command sweep failed", "error", err)
		return
	}
	if res.Processed > 0 || res.Failed > 0 {
		b.logger.Info("command sweep", "processed", res.Processed, "failed", res.Failed)
	}
}
