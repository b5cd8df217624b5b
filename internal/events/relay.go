// Package events fans stored domain events out to external consumers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopkeep/loopkeep/internal/store"
)

// Sink receives one event. Delivery must be idempotent on the consumer side:
// the relay is at-least-once, and a crash between delivery and the published
// mark re-delivers.
type Sink interface {
	Deliver(ctx context.Context, event store.DomainEvent) error
}

// Config holds the relay dependencies.
type Config struct {
	Store  *store.Store
	Sink   Sink
	Logger *slog.Logger

	// Interval is the drain interval; defaults to 10 seconds.
	Interval time.Duration

	// BatchSize caps events drained per pass. Defaults to 50.
	BatchSize int
}

// Relay drains unpublished events to the sink, marking each row published
// only after successful delivery.
type Relay struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a Relay with the given config.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("events: store required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("events: sink required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{cfg: cfg}, nil
}

// Start begins the relay loop in a background goroutine.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.cfg.Logger.Info("event relay started", "interval", r.cfg.Interval)
}

// Stop cancels the relay loop and waits for it to exit.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.cfg.Logger.Info("event relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain delivers one batch of unpublished events. A failed delivery leaves
// the row unpublished for the next pass; later events in the batch still get
// their attempt.
func (r *Relay) Drain(ctx context.Context) int {
	pending, err := r.cfg.Store.ListUnpublishedEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		r.cfg.Logger.Error("event drain failed", "error", err)
		return 0
	}

	delivered := 0
	for _, ev := range pending {
		if err := r.cfg.Sink.Deliver(ctx, ev); err != nil {
			r.cfg.Logger.Warn("event delivery failed",
				"event_id", ev.ID, "event_type", ev.EventType, "error", err)
			continue
		}
		if err := r.cfg.Store.MarkEventPublished(ctx, ev.ID); err != nil {
			r.cfg.Logger.Error("mark event published failed", "event_id", ev.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
