package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loopkeep/loopkeep/internal/bus"
	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/config"
	"github.com/loopkeep/loopkeep/internal/evaluator"
	"github.com/loopkeep/loopkeep/internal/knowledge"
	"github.com/loopkeep/loopkeep/internal/mailer"
	"github.com/loopkeep/loopkeep/internal/oracle"
	"github.com/loopkeep/loopkeep/internal/skills"
	"github.com/loopkeep/loopkeep/internal/store"
)

// runReplyCommand is the development hook for inbound replies: it resolves
// the reply token, appends the stdin body as a member message, and runs one
// evaluation cycle. Production replies arrive through a provider webhook in
// front of this same path.
func runReplyCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: loopkeep reply <token>  (reply body on stdin)")
		return 2
	}
	token := args[0]

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		return 1
	}
	if len(body) == 0 {
		fmt.Fprintln(os.Stderr, "reply: empty body")
		return 2
	}

	logger := slog.Default()
	st, err := store.Open(cfg.DatabasePath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	taskID, err := st.TaskIDForReplyToken(ctx, token)
	if err != nil {
		// Tokens default to the task id, so fall back to a direct lookup.
		taskID = token
	}

	mail := mailer.NewHTTPMailer(mailer.HTTPConfig{
		Endpoint:  cfg.Mail.Endpoint,
		APIKey:    cfg.Mail.APIKey,
		FromName:  cfg.Mail.FromName,
		FromEmail: cfg.Mail.FromEmail,
		Timeout:   cfg.MailTimeout(),
	})
	commands := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: mailer.NewSendEmailExecutor(mail, st, cfg.Mail.ReplyDomain, logger),
		},
		Logger:      logger,
		ExecTimeout: secondsOrZero(cfg.Commands.ExecTimeoutSeconds),
		MaxAttempts: cfg.Commands.MaxAttempts,
	})

	llm := oracle.NewGenkitOracle(ctx, oracle.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLM.APIKey,
		Timeout:                  cfg.OracleTimeout(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	eval, err := evaluator.New(evaluator.Deps{
		Store:     st,
		Oracle:    llm,
		Commands:  commands,
		Skills:    skills.NewResolver(cfg.SkillsDir, logger),
		Knowledge: knowledge.NewSaver(st, logger),
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluator init: %v\n", err)
		return 1
	}

	if err := eval.HandleReply(ctx, taskID, string(body)); err != nil {
		fmt.Fprintf(os.Stderr, "handle reply: %v\n", err)
		return 1
	}

	// Dispatch any command the decision issued so the dev loop is complete.
	if res, err := commands.ProcessNext(ctx, 0); err == nil {
		fmt.Printf("processed %d command(s), %d failed\n", res.Processed, res.Failed)
	}
	return 0
}
