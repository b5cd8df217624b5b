package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopkeep/loopkeep/internal/bus"
	"github.com/loopkeep/loopkeep/internal/store"
)

// BusSink republishes events on the in-process bus under event.<type>.
type BusSink struct {
	bus *bus.Bus
}

// NewBusSink creates a sink over the given bus.
func NewBusSink(b *bus.Bus) *BusSink {
	return &BusSink{bus: b}
}

func (s *BusSink) Deliver(_ context.Context, event store.DomainEvent) error {
	if s.bus == nil {
		return fmt.Errorf("no bus configured")
	}
	s.bus.Publish(bus.TopicEventPublished+"."+event.EventType, event)
	return nil
}

// WebhookSink posts each event as JSON to an external endpoint.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a sink posting to the given URL. The secret, when
// set, is sent as a bearer token.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, event store.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans one event out to several sinks; the first failure aborts so
// the event is retried for everyone. Consumers must tolerate duplicates.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, event store.DomainEvent) error {
	for _, s := range m {
		if err := s.Deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
