// Package skills resolves task-type-specific instruction sets injected into
// the oracle prompt. Instructions are markdown files named after the task
// type (e.g. churn_risk.md) in a configured directory. Resolution never
// fails: a missing or unreadable file yields the built-in fallback.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxInstructionSize is the maximum allowed size for an instruction file (256 KiB).
const maxInstructionSize = 256 << 10

// FallbackInstructions is used whenever a task type has no instruction set or
// loading fails. The evaluator must never fail outright due to missing
// configuration.
const FallbackInstructions = `You are a friendly retention assistant for a small business.
Your job is to have a short, genuine conversation with a member who may be
at risk of leaving. Be warm, concise, and helpful. Never pressure the member.
If the member is upset, has a complaint you cannot resolve, or asks for a
human, escalate. If the member clearly commits to returning, close the
conversation positively.`

// Resolver loads and caches instruction sets by task type.
type Resolver struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver creates a Resolver reading from dir. An empty dir means every
// task type resolves to the fallback.
func NewResolver(dir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]string),
	}
	r.Reload()
	return r
}

// canonicalKey normalizes a task type for lookup.
func canonicalKey(taskType string) string {
	return strings.ToLower(strings.TrimSpace(taskType))
}

// Resolve returns the instruction set for a task type, or the fallback when
// none is configured.
func (r *Resolver) Resolve(taskType string) string {
	key := canonicalKey(taskType)
	r.mu.RLock()
	text, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && text != "" {
		return text
	}
	return FallbackInstructions
}

// Known returns the task types with a configured instruction set.
func (r *Resolver) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cache))
	for key := range r.cache {
		out = append(out, key)
	}
	return out
}

// Reload re-reads the instruction directory. Errors are logged, never
// propagated; the previous cache survives a failed reload.
func (r *Resolver) Reload() {
	if strings.TrimSpace(r.dir) == "" {
		return
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("read instructions dir", "dir", r.dir, "error", err)
		}
		return
	}

	fresh := make(map[string]string)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		path := filepath.Join(r.dir, name)
		text, err := readInstructionFile(path)
		if err != nil {
			r.logger.Warn("load instruction file", "path", path, "error", err)
			continue
		}
		key := canonicalKey(strings.TrimSuffix(name, ".md"))
		fresh[key] = text
	}

	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()
	r.logger.Debug("instruction sets loaded", "dir", r.dir, "count", len(fresh))
}

func readInstructionFile(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.Size() > maxInstructionSize {
		return "", fmt.Errorf("instruction file too large: %d bytes", fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("instruction file is empty")
	}
	return text, nil
}
