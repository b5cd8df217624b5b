package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message roles in a task transcript.
const (
	RoleAgent  = "agent"
	RoleMember = "member"
	RoleSystem = "system"
)

// Message is one turn in a task's conversation transcript. The transcript is
// append-only and strictly ordered by insertion.
type Message struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	AccountID  string    `json:"account_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	AgentName  string    `json:"agent_name,omitempty"`
	Evaluation string    `json:"evaluation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendMessageParams describes a new transcript entry.
type AppendMessageParams struct {
	Role       string
	Content    string
	AgentName  string
	Evaluation string // JSON payload for system-role decision annotations
}

// AppendMessage appends one entry to a task's transcript.
func (s *Store) AppendMessage(ctx context.Context, taskID string, p AppendMessageParams) (int64, error) {
	switch p.Role {
	case RoleAgent, RoleMember, RoleSystem:
	default:
		return 0, fmt.Errorf("invalid message role %q", p.Role)
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		var accountID string
		if err := s.db.QueryRowContext(ctx, `
			SELECT account_id FROM agent_tasks WHERE id = ?;
		`, taskID).Scan(&accountID); err != nil {
			if err == sql.ErrNoRows {
				return ErrTaskNotFound
			}
			return fmt.Errorf("resolve task account: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, account_id, role, content, agent_name, evaluation, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, taskID, accountID, p.Role, p.Content, p.AgentName, p.Evaluation)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ConversationHistory returns the full transcript for a task, oldest first.
// includeSystem controls whether system-role annotations are returned; the
// evaluator excludes them when rebuilding the oracle prompt.
func (s *Store) ConversationHistory(ctx context.Context, taskID string, includeSystem bool) ([]Message, error) {
	query := `
		SELECT id, task_id, account_id, role, content, COALESCE(agent_name, ''), COALESCE(evaluation, ''), created_at
		FROM task_messages
		WHERE task_id = ?
		ORDER BY id ASC;`
	if !includeSystem {
		query = `
		SELECT id, task_id, account_id, role, content, COALESCE(agent_name, ''), COALESCE(evaluation, ''), created_at
		FROM task_messages
		WHERE task_id = ? AND role != 'system'
		ORDER BY id ASC;`
	}
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AccountID, &m.Role, &m.Content, &m.AgentName, &m.Evaluation, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// CountMessagesByRole returns the number of transcript entries for a task
// with the given role.
func (s *Store) CountMessagesByRole(ctx context.Context, taskID, role string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_messages WHERE task_id = ? AND role = ?;
	`, taskID, role).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// LastMessageAt returns the creation time of the most recent transcript entry
// with the given role, or zero time if none exists.
func (s *Store) LastMessageAt(ctx context.Context, taskID, role string) (time.Time, error) {
	var at sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM task_messages WHERE task_id = ? AND role = ?;
	`, taskID, role).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("last message at: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}
