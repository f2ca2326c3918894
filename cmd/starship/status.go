package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
)

// runStatus polls a dispatcher and prints run progress, once or repeatedly.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	server := fs.String("server", "", "Dispatcher base URL (required)")
	watch := fs.Duration("watch", 0, "Poll repeatedly at this interval until the run completes")
	showWorkers := fs.Bool("workers", false, "Also list known workers")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: starship status [options]

Print a dispatcher's view of the run: task counts, completion, and with
-workers the worker registry including presumed-dead entries.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *server == "" {
		fmt.Fprintln(os.Stderr, "Error: -server is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := protocol.NewClient(*server, protocol.DefaultOptions())

	for {
		complete, err := printStatus(ctx, client, *showWorkers)
		if err != nil {
			if ctx.Err() != nil {
				return ExitSuccess
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		if *watch == 0 || complete {
			return ExitSuccess
		}
		select {
		case <-ctx.Done():
			return ExitSuccess
		case <-time.After(*watch):
		}
	}
}

func printStatus(ctx context.Context, client *protocol.Client, showWorkers bool) (bool, error) {
	status, err := client.Status(ctx)
	if err != nil {
		return false, err
	}
	fmt.Printf("%d/%d done | %d succeeded | %d failed | %d skipped | %d downloading | %d pending\n",
		status.Done(), status.Total,
		status.Succeeded, status.Failed, status.Skipped,
		status.Assigned, status.Pending)

	if showWorkers {
		workers, err := client.Workers(ctx)
		if err != nil {
			return false, err
		}
		for _, w := range workers {
			state := "ok"
			if w.Dead {
				state = "dead"
			}
			line := fmt.Sprintf("  %-28s %-6s last seen %s ago", w.ID, state, time.Since(w.LastSeen).Round(time.Second))
			if w.Task != "" {
				line += " working on " + w.Task
			}
			fmt.Println(line)
		}
	}
	return status.Complete, nil
}
