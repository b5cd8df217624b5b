package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopkeep/loopkeep/internal/bus"
)

// CommandStatus is the lifecycle state of a durable command.
type CommandStatus string

const (
	CommandStatusPending    CommandStatus = "pending"
	CommandStatusProcessing CommandStatus = "processing"
	CommandStatusSucceeded  CommandStatus = "succeeded"
	CommandStatusFailed     CommandStatus = "failed" // awaiting retry
	CommandStatusDead       CommandStatus = "dead"
)

// Terminal reports whether the command is immutable from here on.
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusSucceeded || s == CommandStatusDead
}

var allowedCommandTransitions = map[CommandStatus]map[CommandStatus]struct{}{
	CommandStatusPending: {
		CommandStatusProcessing: {},
	},
	CommandStatusFailed: {
		CommandStatusProcessing: {},
	},
	CommandStatusProcessing: {
		CommandStatusSucceeded: {},
		CommandStatusFailed:    {},
		CommandStatusDead:      {},
	},
}

func canTransitionCommand(from, to CommandStatus) bool {
	next, ok := allowedCommandTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Command is a durable instruction to perform a side effect.
type Command struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	CommandType   string        `json:"command_type"`
	Payload       string        `json:"payload"`
	IssuedBy      string        `json:"issued_by"`
	TaskID        string        `json:"task_id,omitempty"`
	Status        CommandStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	Result        string        `json:"result,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// ErrCommandNotFound is returned when a command id does not exist.
var ErrCommandNotFound = errors.New("command not found")

// InsertCommandParams describes a command to persist.
type InsertCommandParams struct {
	AccountID   string
	CommandType string
	Payload     string // JSON; empty means {}
	IssuedBy    string
	TaskID      string
	MaxAttempts int // zero means DefaultMaxAttempts
}

// InsertCommand persists a pending command, immediately due. This is the cheap
// half of the outbox pattern: no side effect happens here.
func (s *Store) InsertCommand(ctx context.Context, p InsertCommandParams) (string, error) {
	if p.AccountID == "" {
		return "", fmt.Errorf("account id required")
	}
	if p.CommandType == "" {
		return "", fmt.Errorf("command type required")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	payload := p.Payload
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_commands (
				id, account_id, command_type, payload, issued_by, task_id,
				status, attempts, max_attempts, next_attempt_at, created_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, p.AccountID, p.CommandType, payload, p.IssuedBy, p.TaskID,
			CommandStatusPending, maxAttempts)
		if err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCommandIssued, bus.CommandEvent{
			CommandID:   id,
			CommandType: p.CommandType,
			TaskID:      p.TaskID,
		})
	}
	return id, nil
}

// ClaimDueCommands atomically claims up to limit due commands, marking each
// processing before returning it. Two pollers can never claim the same
// command: the claim is a status CAS inside one transaction and SQLite admits
// a single writer.
func (s *Store) ClaimDueCommands(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var claimed []Command
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, account_id, command_type, payload, issued_by, COALESCE(task_id, ''),
				status, attempts, max_attempts, next_attempt_at, COALESCE(last_error, ''),
				COALESCE(result, ''), created_at
			FROM agent_commands
			WHERE status IN (?, ?) AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, created_at ASC, id ASC
			LIMIT ?;
		`, CommandStatusPending, CommandStatusFailed, now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("select due commands: %w", err)
		}
		var due []Command
		for rows.Next() {
			var c Command
			if err := rows.Scan(
				&c.ID, &c.AccountID, &c.CommandType, &c.Payload, &c.IssuedBy, &c.TaskID,
				&c.Status, &c.Attempts, &c.MaxAttempts, &c.NextAttemptAt, &c.LastError,
				&c.Result, &c.CreatedAt,
			); err != nil {
				rows.Close()
				return fmt.Errorf("scan due command: %w", err)
			}
			due = append(due, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("due command rows: %w", err)
		}

		for _, c := range due {
			if !canTransitionCommand(c.Status, CommandStatusProcessing) {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE agent_commands
				SET status = ?, claimed_at = ?
				WHERE id = ? AND status = ?;
			`, CommandStatusProcessing, now.UTC(), c.ID, c.Status)
			if err != nil {
				return fmt.Errorf("claim command: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if affected != 1 {
				continue
			}
			c.Status = CommandStatusProcessing
			claimed = append(claimed, c)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCommandSucceeded completes a processing command, storing the executor's
// result. The row is immutable afterwards.
func (s *Store) MarkCommandSucceeded(ctx context.Context, commandID, result string) error {
	return s.finishCommand(ctx, commandID, CommandStatusSucceeded, func(tx *sql.Tx, c *Command) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_commands
			SET status = ?, attempts = attempts + 1, result = NULLIF(?, ''),
				last_error = NULL, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, CommandStatusSucceeded, result, commandID, CommandStatusProcessing)
		return err
	})
}

// ScheduleCommandRetry records a failed execution and schedules the next
// attempt. The attempt counter strictly increases.
func (s *Store) ScheduleCommandRetry(ctx context.Context, commandID, errMsg string, nextAttemptAt time.Time) error {
	return s.finishCommand(ctx, commandID, CommandStatusFailed, func(tx *sql.Tx, c *Command) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_commands
			SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
			WHERE id = ? AND status = ?;
		`, CommandStatusFailed, errMsg, nextAttemptAt.UTC(), commandID, CommandStatusProcessing)
		return err
	})
}

// MarkCommandDead dead-letters a processing command. countAttempt is false for
// configuration failures (unknown command type) where no execution happened.
func (s *Store) MarkCommandDead(ctx context.Context, commandID, errMsg string, countAttempt bool) error {
	return s.finishCommand(ctx, commandID, CommandStatusDead, func(tx *sql.Tx, c *Command) error {
		bump := 0
		if countAttempt {
			bump = 1
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_commands
			SET status = ?, attempts = attempts + ?, last_error = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, CommandStatusDead, bump, errMsg, commandID, CommandStatusProcessing)
		return err
	})
}

// finishCommand applies a terminal-or-retry update to a processing command
// under the command transition map.
func (s *Store) finishCommand(ctx context.Context, commandID string, to CommandStatus, apply func(tx *sql.Tx, c *Command) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var c Command
		err = tx.QueryRowContext(ctx, `
			SELECT id, command_type, COALESCE(task_id, ''), status, attempts, max_attempts
			FROM agent_commands
			WHERE id = ?;
		`, commandID).Scan(&c.ID, &c.CommandType, &c.TaskID, &c.Status, &c.Attempts, &c.MaxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCommandNotFound
		}
		if err != nil {
			return fmt.Errorf("select command for finish: %w", err)
		}
		if !canTransitionCommand(c.Status, to) {
			return fmt.Errorf("illegal command transition %s -> %s", c.Status, to)
		}
		if err := apply(tx, &c); err != nil {
			return fmt.Errorf("finish command %s: %w", to, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}

		if s.bus != nil {
			switch to {
			case CommandStatusSucceeded:
				s.bus.Publish(bus.TopicCommandSucceeded, bus.CommandEvent{
					CommandID: c.ID, CommandType: c.CommandType, TaskID: c.TaskID, Attempts: c.Attempts + 1,
				})
			case CommandStatusFailed:
				s.bus.Publish(bus.TopicCommandRetrying, bus.CommandEvent{
					CommandID: c.ID, CommandType: c.CommandType, TaskID: c.TaskID, Attempts: c.Attempts + 1,
				})
			case CommandStatusDead:
				s.bus.Publish(bus.TopicCommandDeadLetter, bus.CommandEvent{
					CommandID: c.ID, CommandType: c.CommandType, TaskID: c.TaskID, Attempts: c.Attempts,
				})
			}
		}
		return nil
	})
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var c Command
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, command_type, payload, issued_by, COALESCE(task_id, ''),
			status, attempts, max_attempts, next_attempt_at, COALESCE(last_error, ''),
			COALESCE(result, ''), created_at, completed_at
		FROM agent_commands
		WHERE id = ?;
	`, commandID).Scan(
		&c.ID, &c.AccountID, &c.CommandType, &c.Payload, &c.IssuedBy, &c.TaskID,
		&c.Status, &c.Attempts, &c.MaxAttempts, &c.NextAttemptAt, &c.LastError,
		&c.Result, &c.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if completedAt.Valid {
		at := completedAt.Time
		c.CompletedAt = &at
	}
	return &c, nil
}

// CommandCounts summarizes the outbox for operational inspection.
type CommandCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
}

func (s *Store) CountCommands(ctx context.Context) (CommandCounts, error) {
	var c CommandCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0)
		FROM agent_commands;
	`)
	if err := row.Scan(&c.Pending, &c.Processing, &c.Succeeded, &c.Failed, &c.Dead); err != nil {
		return c, fmt.Errorf("command counts: %w", err)
	}
	return c, nil
}

// RequeueStaleProcessing resets commands claimed before staleBefore but still
// marked processing back to pending. Crash recovery: a worker that died
// mid-execute leaves its claim behind. The predicate is the claim timestamp,
// not the due time, so a freshly claimed command is never requeued under a
// live worker.
func (s *Store) RequeueStaleProcessing(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_commands
		SET status = ?, next_attempt_at = CURRENT_TIMESTAMP, claimed_at = NULL
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?;
	`, CommandStatusPending, CommandStatusProcessing, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing: %w", err)
	}
	return res.RowsAffected()
}
