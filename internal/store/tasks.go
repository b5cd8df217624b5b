package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/loopkeep/loopkeep/internal/bus"
)

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskStatusOpen             TaskStatus = "open"
	TaskStatusAwaitingReply    TaskStatus = "awaiting_reply"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusResolved         TaskStatus = "resolved"
	TaskStatusEscalated        TaskStatus = "escalated"
	TaskStatusCancelled        TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle for this
// engine. Escalated tasks belong to a human from here on, but the row stays
// mutable for audit corrections.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusResolved || s == TaskStatusCancelled
}

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusOpen: {
		TaskStatusAwaitingReply:    {},
		TaskStatusAwaitingApproval: {},
		TaskStatusInProgress:       {},
		TaskStatusResolved:         {},
		TaskStatusEscalated:        {},
		TaskStatusCancelled:        {},
	},
	TaskStatusAwaitingReply: {
		TaskStatusAwaitingReply:    {}, // Another outbound turn.
		TaskStatusAwaitingApproval: {},
		TaskStatusInProgress:       {},
		TaskStatusResolved:         {},
		TaskStatusEscalated:        {},
		TaskStatusCancelled:        {},
	},
	TaskStatusAwaitingApproval: {
		TaskStatusAwaitingReply: {},
		TaskStatusInProgress:    {},
		TaskStatusResolved:      {},
		TaskStatusEscalated:     {},
		TaskStatusCancelled:     {},
	},
	TaskStatusInProgress: {
		TaskStatusAwaitingReply:    {},
		TaskStatusAwaitingApproval: {},
		TaskStatusResolved:         {},
		TaskStatusEscalated:        {},
		TaskStatusCancelled:        {},
	},
	TaskStatusEscalated: {
		// Audit-only corrections once a human owns the task.
		TaskStatusResolved:  {},
		TaskStatusCancelled: {},
	},
}

func canTransitionTask(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is a tracked unit of outreach work.
type Task struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	AgentName     string     `json:"agent_name"`
	TaskType      string     `json:"task_type"`
	ContactEmail  string     `json:"contact_email"`
	ContactName   string     `json:"contact_name,omitempty"`
	Goal          string     `json:"goal"`
	Context       string     `json:"context"`
	Status        TaskStatus `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	OutcomeScore  int        `json:"outcome_score,omitempty"`
	OutcomeReason string     `json:"outcome_reason,omitempty"`
	NextActionAt  *time.Time `json:"next_action_at,omitempty"`
	SourceEventID string     `json:"source_event_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// CreateTaskParams describes a new task.
type CreateTaskParams struct {
	AccountID     string
	AgentName     string
	TaskType      string
	ContactEmail  string
	ContactName   string
	Goal          string
	Context       string // JSON object; empty means {}
	SourceEventID string
}

// CreateTask inserts a new open task and returns its id.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	if p.AccountID == "" {
		return "", fmt.Errorf("account id required")
	}
	if p.ContactEmail == "" {
		return "", fmt.Errorf("contact email required")
	}
	agent := p.AgentName
	if agent == "" {
		agent = "retention"
	}
	contextJSON := p.Context
	if contextJSON == "" {
		contextJSON = "{}"
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_tasks (
				id, account_id, agent_name, task_type, contact_email, contact_name,
				goal, context, status, source_event_id, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.AccountID, agent, p.TaskType, p.ContactEmail, p.ContactName,
			p.Goal, contextJSON, TaskStatusOpen, p.SourceEventID)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskStatusChangedEvent{
			TaskID:    taskID,
			AccountID: p.AccountID,
			NewStatus: string(TaskStatusOpen),
		})
	}
	return taskID, nil
}

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	var (
		outcome       sql.NullString
		outcomeScore  sql.NullInt64
		outcomeReason sql.NullString
		nextActionAt  sql.NullTime
		sourceEventID sql.NullString
		resolvedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			id, account_id, agent_name, task_type, contact_email, contact_name,
			goal, context, status, outcome, outcome_score, outcome_reason,
			next_action_at, source_event_id, created_at, updated_at, resolved_at
		FROM agent_tasks
		WHERE id = ?;
	`, taskID).Scan(
		&t.ID, &t.AccountID, &t.AgentName, &t.TaskType, &t.ContactEmail, &t.ContactName,
		&t.Goal, &t.Context, &t.Status, &outcome, &outcomeScore, &outcomeReason,
		&nextActionAt, &sourceEventID, &t.CreatedAt, &t.UpdatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if outcome.Valid {
		t.Outcome = outcome.String
	}
	if outcomeScore.Valid {
		t.OutcomeScore = int(outcomeScore.Int64)
	}
	if outcomeReason.Valid {
		t.OutcomeReason = outcomeReason.String
	}
	if nextActionAt.Valid {
		at := nextActionAt.Time
		t.NextActionAt = &at
	}
	if sourceEventID.Valid {
		t.SourceEventID = sourceEventID.String
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		t.ResolvedAt = &at
	}
	return &t, nil
}

// StatusOpts carries the optional fields that accompany a status transition.
// Outcome fields are only written (and only allowed) when the new status is
// resolved or escalated.
type StatusOpts struct {
	Outcome       string
	OutcomeScore  int
	OutcomeReason string
	NextActionAt  *time.Time
}

// UpdateTaskStatus transitions a task to the given status. Illegal transitions
// return an error; transitions from a stale expected state are rejected by the
// status CAS in the UPDATE. This is the only way task state changes.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, to TaskStatus, opts *StatusOpts) error {
	if opts == nil {
		opts = &StatusOpts{}
	}
	outcomeAllowed := to == TaskStatusResolved || to == TaskStatusEscalated
	if opts.Outcome != "" && !outcomeAllowed {
		return fmt.Errorf("outcome may only be set when resolving or escalating, not for %s", to)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		var accountID string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, account_id FROM agent_tasks WHERE id = ?;
		`, taskID).Scan(&current, &accountID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if current == to {
			if current.Terminal() {
				return fmt.Errorf("illegal task transition %s -> %s", current, to)
			}
			// Re-entering the same waiting state is a no-op apart from
			// the next-action bump.
			if !outcomeAllowed && opts.NextActionAt == nil {
				return tx.Commit()
			}
		}
		if current != to && !canTransitionTask(current, to) {
			return fmt.Errorf("illegal task transition %s -> %s", current, to)
		}

		nextAction := sql.NullTime{}
		if opts.NextActionAt != nil && !to.Terminal() && to != TaskStatusEscalated {
			nextAction.Valid = true
			nextAction.Time = opts.NextActionAt.UTC()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?,
				outcome = CASE WHEN ? THEN ? ELSE NULL END,
				outcome_score = CASE WHEN ? THEN ? ELSE NULL END,
				outcome_reason = CASE WHEN ? THEN NULLIF(?, '') ELSE NULL END,
				next_action_at = ?,
				resolved_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE resolved_at END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to,
			outcomeAllowed, opts.Outcome,
			outcomeAllowed, opts.OutcomeScore,
			outcomeAllowed, opts.OutcomeReason,
			nextAction,
			outcomeAllowed,
			taskID, current)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("status rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("task %s changed concurrently during transition to %s", taskID, to)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit status tx: %w", err)
		}

		if s.bus != nil {
			topic := bus.TopicTaskStatusChanged
			switch to {
			case TaskStatusResolved:
				topic = bus.TopicTaskResolved
			case TaskStatusEscalated:
				topic = bus.TopicTaskEscalated
			}
			s.bus.Publish(topic, bus.TaskStatusChangedEvent{
				TaskID:    taskID,
				AccountID: accountID,
				OldStatus: string(current),
				NewStatus: string(to),
				Outcome:   opts.Outcome,
			})
		}
		return nil
	})
}

// CancelTask marks a task cancelled. Rows are never deleted; cancellation is
// a status.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	return s.UpdateTaskStatus(ctx, taskID, TaskStatusCancelled, nil)
}

// SetNextActionAt bumps the follow-up deadline without changing status.
func (s *Store) SetNextActionAt(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET next_action_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?, ?);
	`, at.UTC(), taskID,
		TaskStatusOpen, TaskStatusAwaitingReply, TaskStatusAwaitingApproval, TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("set next action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("next action rows affected: %w", err)
	}
	if n != 1 {
		return ErrTaskNotFound
	}
	return nil
}

// ListFollowUpDue returns awaiting-reply tasks whose next_action_at has
// passed (or was never set and the task has been quiet past quietAfter).
func (s *Store) ListFollowUpDue(ctx context.Context, now time.Time, quietAfter time.Duration, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cutoff := now.Add(-quietAfter).UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM agent_tasks
		WHERE status = ?
		  AND (
			(next_action_at IS NOT NULL AND next_action_at <= ?)
			OR (next_action_at IS NULL AND updated_at <= ?)
		  )
		ORDER BY updated_at ASC
		LIMIT ?;
	`, TaskStatusAwaitingReply, now.UTC(), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list follow-up due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due task rows: %w", err)
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// ListTasksByStatus returns tasks for an account filtered by status.
func (s *Store) ListTasksByStatus(ctx context.Context, accountID string, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status FROM agent_tasks WHERE account_id = ? ORDER BY created_at ASC;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var status TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		if slices.Contains(statuses, status) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// TaskCounts returns the number of active and escalated tasks.
func (s *Store) TaskCounts(ctx context.Context) (active, escalated int, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_tasks WHERE status IN (?, ?, ?, ?);
	`, TaskStatusOpen, TaskStatusAwaitingReply, TaskStatusAwaitingApproval, TaskStatusInProgress).Scan(&active); err != nil {
		return 0, 0, fmt.Errorf("count active tasks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_tasks WHERE status = ?;
	`, TaskStatusEscalated).Scan(&escalated); err != nil {
		return 0, 0, fmt.Errorf("count escalated tasks: %w", err)
	}
	return active, escalated, nil
}
