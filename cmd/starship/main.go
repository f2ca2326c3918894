package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitCapacity     = 3
	ExitConflict     = 4
	ExitShortfall    = 5
	ExitTimeout      = 6
	ExitStorageError = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		return runFleet(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "work":
		return runWork(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "teardown":
		return runTeardown(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: starship <command> [options]

Commands:
  run       Launch a fleet on GCE and download a task list into a bucket
  serve     Run the dispatcher that hands out tasks to workers
  work      Run a worker agent that fetches tasks until the run completes
  status    Poll a dispatcher for run progress
  teardown  Terminate every instance of a run and release its zones

Run 'starship <command> -h' for command-specific help.`)
}
