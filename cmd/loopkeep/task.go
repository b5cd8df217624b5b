package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/loopkeep/loopkeep/internal/config"
	"github.com/loopkeep/loopkeep/internal/store"
)

func runTaskCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) == 0 || args[0] != "new" {
		fmt.Fprintln(os.Stderr, "usage: loopkeep task new -account <id> -email <addr> -goal <text> [-type <task_type>] [-name <contact name>]")
		return 2
	}

	fs := flag.NewFlagSet("task new", flag.ContinueOnError)
	account := fs.String("account", "", "account id")
	email := fs.String("email", "", "member email address")
	name := fs.String("name", "", "member display name")
	goal := fs.String("goal", "", "outreach goal")
	taskType := fs.String("type", "churn_risk", "task type (selects instruction file)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *account == "" || *email == "" || *goal == "" {
		fmt.Fprintln(os.Stderr, "task new: -account, -email, and -goal are required")
		return 2
	}

	st, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	id, err := st.CreateTask(ctx, store.CreateTaskParams{
		AccountID:    *account,
		AgentName:    cfg.AgentName,
		TaskType:     *taskType,
		ContactEmail: *email,
		ContactName:  *name,
		Goal:         *goal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}
