package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Resolver when any instruction file changes. It watches
// the flat instruction directory only; edits land within the debounce window
// before a reload fires.
type Watcher struct {
	dir      string
	resolver *Resolver
	logger   *slog.Logger
}

func NewWatcher(dir string, resolver *Resolver, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		resolver: resolver,
		logger:   logger,
	}
}

// Start begins watching until ctx is cancelled. Returns immediately with an
// error if the watcher cannot be created; a missing directory is not an
// error (instructions are optional).
func (w *Watcher) Start(ctx context.Context) error {
	if strings.TrimSpace(w.dir) == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	abs, err := filepath.Abs(w.dir)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("abs instructions dir: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("watch instructions dir: %w", err)
	}

	go func() {
		defer func() { _ = fsw.Close() }()

		const debounce = 500 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("instructions watcher error", "error", err)
			case <-timerC:
				timer = nil
				timerC = nil
				w.logger.Info("instruction files changed, reloading", "dir", abs)
				w.resolver.Reload()
			}
		}
	}()
	return nil
}
