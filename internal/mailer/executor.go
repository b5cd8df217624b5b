package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loopkeep/loopkeep/internal/store"
)

// SendEmailPayload is the JSON payload of a send_email command.
type SendEmailPayload struct {
	To            string `json:"to"`
	Subject       string `json:"subject"`
	HTML          string `json:"html"`
	RecipientName string `json:"recipient_name,omitempty"`
	ReplyToken    string `json:"reply_token,omitempty"`
}

// NewSendEmailExecutor returns the command executor for send_email commands.
// It delivers through the mailer and records the outbound_messages row so
// inbound replies can be correlated by token.
func NewSendEmailExecutor(m Mailer, st *store.Store, replyDomain string, logger *slog.Logger) func(ctx context.Context, cmd store.Command) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, cmd store.Command) (string, error) {
		var p SendEmailPayload
		if err := json.Unmarshal([]byte(cmd.Payload), &p); err != nil {
			return "", fmt.Errorf("decode send_email payload: %w", err)
		}
		if p.To == "" {
			return "", fmt.Errorf("send_email payload missing recipient")
		}

		token := p.ReplyToken
		if token == "" {
			token = cmd.TaskID
		}
		email := Email{
			To:            p.To,
			Subject:       p.Subject,
			HTML:          p.HTML,
			RecipientName: p.RecipientName,
		}
		if token != "" && replyDomain != "" {
			email.ReplyTo = ReplyAddress(token, replyDomain)
		}

		res, err := m.Send(ctx, email)
		if err != nil {
			return "", err
		}

		if _, err := st.RecordOutboundMessage(ctx, store.RecordOutboundParams{
			AccountID:         cmd.AccountID,
			CommandID:         cmd.ID,
			TaskID:            cmd.TaskID,
			Recipient:         p.To,
			Subject:           p.Subject,
			Body:              p.HTML,
			ReplyToken:        token,
			ProviderMessageID: res.ID,
		}); err != nil {
			// The mail is already out; losing the ledger row must not
			// re-send it, so log and report success.
			logger.Error("record outbound message failed",
				"command_id", cmd.ID, "task_id", cmd.TaskID, "error", err)
		}

		return res.ID, nil
	}
}
