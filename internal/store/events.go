package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is an immutable fact about something that happened. Events are
// appended with published=0 and fanned out at-least-once by the relay.
type DomainEvent struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	EventType     string     `json:"event_type"`
	AggregateID   string     `json:"aggregate_id"`
	AggregateType string     `json:"aggregate_type"`
	Payload       string     `json:"payload"`
	Metadata      string     `json:"metadata,omitempty"`
	Published     bool       `json:"published"`
	CreatedAt     time.Time  `json:"created_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
}

// Well-known event types.
const (
	EventTaskCreated   = "task.created"
	EventTaskCompleted = "task.completed"
	EventTaskEscalated = "task.escalated"
	EventEmailSent     = "email.sent"
)

// PublishEventParams describes an event to append.
type PublishEventParams struct {
	AccountID     string
	EventType     string
	AggregateID   string
	AggregateType string
	Payload       string // JSON; empty means {}
	Metadata      string // JSON
}

// PublishEvent appends an event to the log and returns its id. Appending is
// the durable half; delivery happens later via the relay.
func (s *Store) PublishEvent(ctx context.Context, p PublishEventParams) (string, error) {
	if p.AccountID == "" {
		return "", fmt.Errorf("account id required")
	}
	if p.EventType == "" {
		return "", fmt.Errorf("event type required")
	}
	payload := p.Payload
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_events (
				id, account_id, event_type, aggregate_id, aggregate_type,
				payload, metadata, published, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), 0, CURRENT_TIMESTAMP);
		`, id, p.AccountID, p.EventType, p.AggregateID, p.AggregateType, payload, p.Metadata)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListUnpublishedEvents returns events awaiting fan-out, oldest first.
func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]DomainEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, event_type, aggregate_id, aggregate_type,
			payload, COALESCE(metadata, ''), published, created_at, published_at
		FROM agent_events
		WHERE published = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var out []DomainEvent
	for rows.Next() {
		var e DomainEvent
		var publishedAt sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.AccountID, &e.EventType, &e.AggregateID, &e.AggregateType,
			&e.Payload, &e.Metadata, &e.Published, &e.CreatedAt, &publishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if publishedAt.Valid {
			at := publishedAt.Time
			e.PublishedAt = &at
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// ErrEventNotFound is returned when an event id does not exist.
var ErrEventNotFound = errors.New("event not found")

// MarkEventPublished flags an event as delivered. Called only after the sink
// accepted it, so delivery is at-least-once.
func (s *Store) MarkEventPublished(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_events
		SET published = 1, published_at = CURRENT_TIMESTAMP
		WHERE id = ? AND published = 0;
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish rows affected: %w", err)
	}
	if n != 1 {
		return ErrEventNotFound
	}
	return nil
}
