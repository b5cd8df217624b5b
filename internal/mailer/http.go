package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures the JSON-API mail provider adapter.
type HTTPConfig struct {
	Endpoint  string
	APIKey    string
	FromName  string
	FromEmail string

	// Timeout bounds each Send call. Zero means 15s.
	Timeout time.Duration
}

// HTTPMailer sends mail through a JSON HTTP API (Resend-style endpoint).
type HTTPMailer struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPMailer builds a mailer for the configured provider endpoint.
func NewHTTPMailer(cfg HTTPConfig) *HTTPMailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPMailer{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// Send posts the email to the provider and returns its message id.
func (m *HTTPMailer) Send(ctx context.Context, email Email) (SendResult, error) {
	if email.To == "" {
		return SendResult{}, fmt.Errorf("mailer: recipient required")
	}
	if m.cfg.APIKey == "" {
		return SendResult{}, fmt.Errorf("mailer: API key not configured")
	}

	from := m.cfg.FromEmail
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.FromEmail)
	}
	body, err := json.Marshal(sendRequest{
		From:    from,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
		ReplyTo: email.ReplyTo,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("mailer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("mailer: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("mailer: send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return SendResult{}, fmt.Errorf("mailer: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("mailer: provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return SendResult{}, fmt.Errorf("mailer: decode response: %w", err)
	}
	return SendResult{ID: parsed.ID}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
