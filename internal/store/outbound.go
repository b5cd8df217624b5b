package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboundMessage records a sent external communication, linked 1:1 with the
// command that produced it. The reply token is embedded in reply-to addressing
// so an inbound reply webhook can resolve straight back to its task.
type OutboundMessage struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	CommandID         string    `json:"command_id"`
	TaskID            string    `json:"task_id,omitempty"`
	Recipient         string    `json:"recipient"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReplyToken        string    `json:"reply_token"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// RecordOutboundParams describes a sent message to persist.
type RecordOutboundParams struct {
	AccountID         string
	CommandID         string
	TaskID            string
	Recipient         string
	Subject           string
	Body              string
	ReplyToken        string
	ProviderMessageID string
}

// RecordOutboundMessage persists a sent message record.
func (s *Store) RecordOutboundMessage(ctx context.Context, p RecordOutboundParams) (string, error) {
	if p.CommandID == "" {
		return "", fmt.Errorf("command id required")
	}
	if p.Recipient == "" {
		return "", fmt.Errorf("recipient required")
	}
	token := p.ReplyToken
	if token == "" {
		token = p.TaskID
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO outbound_messages (
				id, account_id, command_id, task_id, recipient, subject, body,
				reply_token, provider_message_id, status, created_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), 'sent', CURRENT_TIMESTAMP);
		`, id, p.AccountID, p.CommandID, p.TaskID, p.Recipient, p.Subject, p.Body,
			token, p.ProviderMessageID)
		if err != nil {
			return fmt.Errorf("record outbound message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// TaskIDForReplyToken resolves an inbound reply token to the originating task.
func (s *Store) TaskIDForReplyToken(ctx context.Context, token string) (string, error) {
	var taskID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id
		FROM outbound_messages
		WHERE reply_token = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, token).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve reply token: %w", err)
	}
	if !taskID.Valid || taskID.String == "" {
		return "", ErrTaskNotFound
	}
	return taskID.String, nil
}

// CountOutboundForTask returns the number of messages sent for a task.
func (s *Store) CountOutboundForTask(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM outbound_messages WHERE task_id = ?;
	`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbound: %w", err)
	}
	return count, nil
}

// LastOutboundAt returns when the most recent message was sent for a task, or
// zero time if none was.
func (s *Store) LastOutboundAt(ctx context.Context, taskID string) (time.Time, error) {
	var at sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM outbound_messages WHERE task_id = ?;
	`, taskID).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("last outbound at: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}
