package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cratepull/cratepull/internal/journal"
	"github.com/cratepull/cratepull/internal/storage"
)

// runRecover replays the write journal and repairs interrupted commits.
// The same pass runs automatically when fetch starts; this command exists
// for inspecting a state dir without touching the pool.
func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)

	configPath := fs.String("config", "./config/config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cratepull recover [options]

Scan the write journal for checkpoints that were begun but never closed,
restore the recorded original state for each, and print what was done.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitConfigError
	}

	jnl, err := journal.Open(cfg.Library.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		return ExitStorageError
	}
	defer jnl.Close()

	report, err := storage.NewCoordinator(jnl).Recover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Printf("Journal scan: %d incomplete checkpoint(s), %d corrupt line(s)\n",
		report.Incomplete, report.CorruptLines)

	failed := 0
	for _, a := range report.Actions {
		line := fmt.Sprintf("checkpoint %d: %s %s", a.CheckpointID, a.Action, a.TargetPath)
		if a.RemovedTemp {
			line += " (removed temp)"
		}
		if a.Err != "" {
			line += " error: " + a.Err
			failed++
		}
		fmt.Println(line)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d recovery action(s) failed; their checkpoints stay open\n", failed)
		return ExitGeneralError
	}
	return ExitSuccess
}
