// Package mailer is the outbound email channel.
package mailer

import (
	"context"
	"fmt"
)

// Email is a single outbound message.
type Email struct {
	To            string `json:"to"`
	Subject       string `json:"subject"`
	HTML          string `json:"html"`
	RecipientName string `json:"recipient_name,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// SendResult carries the provider-assigned message id.
type SendResult struct {
	ID string `json:"id"`
}

// Mailer delivers a single email through a provider.
type Mailer interface {
	Send(ctx context.Context, email Email) (SendResult, error)
}

// ReplyAddress builds the tokenized reply-to address for a task. Inbound
// webhooks strip the token back out to resolve the originating task.
func ReplyAddress(token, domain string) string {
	return fmt.Sprintf("reply+%s@%s", token, domain)
}
