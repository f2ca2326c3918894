package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Qingzheng-Wang/starship-audio/internal/dispatch"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// runServe starts the dispatcher. The task list comes either from a local
// file or from an object in a bucket; on instances, the startup script
// always uses the bucket form.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	addr := fs.String("addr", ":8080", "Listen address")
	input := fs.String("input", "", "Local task list file")
	bucketURL := fs.String("bucket", "", "Bucket URL holding the task list")
	tasksKey := fs.String("tasks", "", "Task list object inside -bucket")
	format := fs.String("input-format", "", "Task list format: urls or json (default: by extension)")
	maxAttempts := fs.Int("max-attempts", 3, "Assignment budget per task")
	livenessTimeout := fs.Duration("liveness-timeout", 60*time.Second, "Silence before a worker is presumed dead")
	sweepInterval := fs.Duration("sweep-interval", 5*time.Second, "How often to check worker liveness")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: starship serve [options]

Serve a task list to polling workers. Tasks are handed out in order, retried
on failure up to -max-attempts assignments, and reclaimed from workers that
go silent for longer than -liveness-timeout.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *input == "" && (*bucketURL == "" || *tasksKey == "") {
		fmt.Fprintln(os.Stderr, "Error: either -input or both -bucket and -tasks are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[starship] Received interrupt, shutting down...")
		cancel()
	}()

	specs, code := loadTaskList(ctx, *input, *bucketURL, *tasksKey, *format)
	if code != ExitSuccess {
		return code
	}

	store := task.NewStore(specs, *maxAttempts)
	srv := dispatch.NewServer(store, dispatch.Options{
		LivenessTimeout: *livenessTimeout,
		SweepInterval:   *sweepInterval,
	})

	fmt.Fprintf(os.Stderr, "[starship] Serving %d tasks on %s\n", len(specs), *addr)
	if err := srv.Run(ctx, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}

func loadTaskList(ctx context.Context, input, bucketURL, key, format string) ([]task.Spec, int) {
	var (
		r    io.Reader
		name string
	)
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading task list: %v\n", err)
			return nil, ExitInvalidArgs
		}
		defer f.Close()
		r, name = f, input
	} else {
		bkt, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
			return nil, ExitStorageError
		}
		defer bkt.Close()
		data, err := bkt.ReadAll(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading task list object: %v\n", err)
			return nil, ExitStorageError
		}
		r, name = bytes.NewReader(data), key
	}

	specs, err := task.ParseList(r, listFormat(format, name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing task list: %v\n", err)
		return nil, ExitInvalidArgs
	}
	return specs, ExitSuccess
}

// listFormat picks the task list format: an explicit flag wins, otherwise
// .json files parse as JSON and everything else as a URL list.
func listFormat(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	if strings.HasSuffix(name, ".json") {
		return task.FormatJSON
	}
	return task.FormatURLs
}
