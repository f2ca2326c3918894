package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Qingzheng-Wang/starship-audio/internal/agent"
	"github.com/Qingzheng-Wang/starship-audio/internal/fetch"
	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
)

// runWork starts a worker agent that polls a dispatcher for tasks, fetches
// them and uploads artifacts until the run completes.
func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ExitOnError)

	server := fs.String("server", "", "Dispatcher base URL (required)")
	id := fs.String("id", "", "Worker id (default: STARSHIP_WORKER_ID or generated)")
	zone := fs.String("zone", "", "Zone this worker runs in, for fleet visibility")
	bucketURL := fs.String("bucket", "", "Artifact bucket URL (required)")
	folder := fs.String("folder", "audio", "Artifact folder inside the bucket")
	format := fs.String("format", fetch.DefaultFormat, "Format selection passed to the fetch tool")
	fetchTimeout := fs.Duration("fetch-timeout", 15*time.Minute, "Timeout for a single download")
	keepOriginal := fs.Bool("keep-original", false, "Keep fetched files next to postprocessed output")
	tmp := fs.String("tmp", "", "Scratch directory for downloads (default: system temp)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: starship work [options]

Poll a dispatcher for download tasks and run them until every task of the
run is done. Each fetched file lands in the bucket under
<folder>/<output>/ together with its metadata; a heartbeat runs during
fetches so the dispatcher knows this worker is alive.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *server == "" || *bucketURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -server and -bucket are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	workerID := *id
	if workerID == "" {
		workerID = os.Getenv("STARSHIP_WORKER_ID")
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
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

	bkt, err := blob.OpenBucket(ctx, *bucketURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	if err := fetch.EnsureInstalled(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error installing fetch tool: %v\n", err)
		return ExitGeneralError
	}

	fopts := fetch.DefaultOptions()
	fopts.Format = *format
	fopts.TempDir = *tmp
	fopts.KeepOriginal = *keepOriginal
	fetcher := fetch.NewYTDLP(fetch.NewArtifacts(bkt, *folder), fopts)

	aopts := agent.DefaultOptions()
	aopts.ID = workerID
	aopts.Zone = *zone
	aopts.FetchTimeout = *fetchTimeout

	fmt.Fprintf(os.Stderr, "[starship] Worker %s polling %s\n", workerID, *server)
	a := agent.New(protocol.NewClient(*server, protocol.DefaultOptions()), fetcher, aopts)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	fmt.Fprintf(os.Stderr, "[starship] Worker %s done\n", workerID)
	return ExitSuccess
}
