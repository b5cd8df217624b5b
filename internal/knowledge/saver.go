// Package knowledge stores durable member facts learned from conversations.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loopkeep/loopkeep/internal/store"
)

// Saver persists member facts, skipping ones already known.
type Saver struct {
	store  *store.Store
	logger *slog.Logger
}

// NewSaver builds a Saver over the given store.
func NewSaver(st *store.Store, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{store: st, logger: logger}
}

// Save stores the facts that are genuinely new for the member. A fact is a
// duplicate when it contains, or is contained by, an existing fact after
// case folding. Returns the number of facts stored.
func (s *Saver) Save(ctx context.Context, accountID, memberEmail, sourceTaskID string, facts []string) (int, error) {
	if memberEmail == "" {
		return 0, fmt.Errorf("member email required")
	}

	existing, err := s.store.ListMemberFacts(ctx, accountID, memberEmail)
	if err != nil {
		return 0, fmt.Errorf("list member facts: %w", err)
	}
	known := make([]string, 0, len(existing))
	for _, f := range existing {
		known = append(known, strings.ToLower(strings.TrimSpace(f.Fact)))
	}

	saved := 0
	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		folded := strings.ToLower(fact)
		if isDuplicate(folded, known) {
			continue
		}
		if _, err := s.store.CreateMemberFact(ctx, accountID, memberEmail, fact, sourceTaskID); err != nil {
			return saved, fmt.Errorf("create member fact: %w", err)
		}
		known = append(known, folded)
		saved++
	}

	if saved > 0 {
		s.logger.Debug("member facts saved", "member", memberEmail, "count", saved)
	}
	return saved, nil
}

func isDuplicate(folded string, known []string) bool {
	for _, k := range known {
		if k == "" {
			continue
		}
		if strings.Contains(k, folded) || strings.Contains(folded, k) {
			return true
		}
	}
	return false
}
