package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemberFact is one noteworthy fact about a member, extracted as a best-effort
// side channel during evaluation.
type MemberFact struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	MemberEmail  string    `json:"member_email"`
	Fact         string    `json:"fact"`
	SourceTaskID string    `json:"source_task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListMemberFacts returns all stored facts for a member, oldest first.
func (s *Store) ListMemberFacts(ctx context.Context, accountID, memberEmail string) ([]MemberFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, member_email, fact, COALESCE(source_task_id, ''), created_at
		FROM member_facts
		WHERE account_id = ? AND member_email = ?
		ORDER BY created_at ASC, id ASC;
	`, accountID, memberEmail)
	if err != nil {
		return nil, fmt.Errorf("list member facts: %w", err)
	}
	defer rows.Close()

	var out []MemberFact
	for rows.Next() {
		var f MemberFact
		if err := rows.Scan(&f.ID, &f.AccountID, &f.MemberEmail, &f.Fact, &f.SourceTaskID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("member fact rows: %w", err)
	}
	return out, nil
}

// CreateMemberFact stores one fact and returns its id.
func (s *Store) CreateMemberFact(ctx context.Context, accountID, memberEmail, fact, sourceTaskID string) (string, error) {
	if accountID == "" || memberEmail == "" {
		return "", fmt.Errorf("account id and member email required")
	}
	if fact == "" {
		return "", fmt.Errorf("fact required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO member_facts (id, account_id, member_email, fact, source_task_id, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, id, accountID, memberEmail, fact, sourceTaskID)
		if err != nil {
			return fmt.Errorf("insert member fact: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
