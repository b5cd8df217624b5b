package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loopkeep/loopkeep/internal/config"
	"github.com/loopkeep/loopkeep/internal/store"
)

func runStatusCommand(ctx context.Context, cfg config.Config) int {
	st, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	active, escalated, err := st.TaskCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task counts: %v\n", err)
		return 1
	}
	commands, err := st.CountCommands(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "command counts: %v\n", err)
		return 1
	}

	fmt.Printf("tasks:    %d active, %d escalated\n", active, escalated)
	fmt.Printf("commands: %d pending, %d processing, %d succeeded, %d failed, %d dead\n",
		commands.Pending, commands.Processing, commands.Succeeded, commands.Failed, commands.Dead)
	if commands.Dead > 0 {
		fmt.Println("warning: dead-lettered commands need operator attention")
	}
	return 0
}
