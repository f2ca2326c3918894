package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Qingzheng-Wang/starship-audio/internal/cloud"
	"github.com/Qingzheng-Wang/starship-audio/internal/config"
	"github.com/Qingzheng-Wang/starship-audio/internal/fleet"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// runFleet launches a dispatcher and its workers on GCE, watches the run
// until every task is terminal, and tears the fleet down.
func runFleet(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML config file")
	project := fs.String("project", "", "GCP project (required)")
	bucketName := fs.String("bucket", "", "GCS bucket for artifacts (required)")
	folder := fs.String("folder", "", "Artifact folder inside the bucket")
	input := fs.String("input", "", "Task list file (required)")
	inputFormat := fs.String("input-format", "", "Task list format: urls or json")
	workers := fs.Int("workers", 0, "Number of worker instances")
	zones := fs.String("zones", "", "Comma-separated compute zones")
	maxPerZone := fs.Int("max-workers-per-zone", 0, "Max workers in one zone")
	minWorkers := fs.Int("min-workers", 0, "Smallest fleet to proceed with after launch failures")
	image := fs.String("image", "", "Boot image family, optionally project/family")
	machineType := fs.String("machine-type", "", "Dispatcher machine type")
	workerMachineType := fs.String("worker-machine-type", "", "Worker machine type")
	maxAttempts := fs.Int("max-attempts", 0, "Assignment budget per task")
	runBudget := fs.Duration("run-budget", 0, "Wall-clock budget for the run, 0 means unbounded")
	fetchTimeout := fs.Duration("fetch-timeout", 0, "Timeout for a single download")
	keepOriginal := fs.Bool("keep-original", false, "Keep fetched files next to postprocessed output")
	binary := fs.String("binary", "", "linux/amd64 starship binary to stage for instances (default: the running executable)")
	runName := fs.String("run", "", "Run name (default: generated)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: starship run [options]

Launch a dispatcher and worker instances on GCE, download every task in the
input list into the bucket, then terminate the instances. Flags override
STARSHIP_* environment variables, which override the -config file.

When the controller does not run linux/amd64, pass a cross-compiled binary
with -binary; instances cannot execute the controller's own executable.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg = cfg.Merge(config.Config{
		Project:           *project,
		Bucket:            *bucketName,
		Folder:            *folder,
		Input:             *input,
		InputFormat:       *inputFormat,
		Workers:           *workers,
		Zones:             splitList(*zones),
		MaxWorkersPerZone: *maxPerZone,
		MinWorkers:        *minWorkers,
		Image:             *image,
		MachineType:       *machineType,
		WorkerMachineType: *workerMachineType,
		MaxAttempts:       *maxAttempts,
		RunBudget:         *runBudget,
		FetchTimeout:      *fetchTimeout,
		KeepOriginal:      *keepOriginal,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	f, err := os.Open(cfg.Input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading task list: %v\n", err)
		return ExitInvalidArgs
	}
	specs, err := task.ParseList(f, cfg.InputFormat)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing task list: %v\n", err)
		return ExitInvalidArgs
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "[starship] Task list is empty, nothing to do")
		return ExitSuccess
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[starship] Received interrupt, tearing down the fleet...")
		cancel()
	}()

	prov, err := cloud.NewGCE(ctx, cfg.Project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	bkt, err := blob.OpenBucket(ctx, "gs://"+cfg.Bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	ctl := fleet.NewController(prov, bkt, fleet.Options{
		Run:               *runName,
		Bucket:            cfg.Bucket,
		Folder:            cfg.Folder,
		Workers:           cfg.Workers,
		Zones:             cfg.Zones,
		MaxWorkersPerZone: cfg.MaxWorkersPerZone,
		MinWorkers:        cfg.MinWorkers,
		Image:             cfg.Image,
		MachineType:       cfg.MachineType,
		WorkerMachineType: cfg.WorkerMachineType,
		MaxAttempts:       cfg.MaxAttempts,
		LivenessTimeout:   cfg.LivenessTimeout,
		SweepInterval:     cfg.SweepInterval,
		PollInterval:      cfg.PollInterval,
		RunBudget:         cfg.RunBudget,
		FetchTimeout:      cfg.FetchTimeout,
		KeepOriginal:      cfg.KeepOriginal,
		Binary:            *binary,
	})

	fmt.Fprintf(os.Stderr, "[starship] Run %s: %d tasks, %d workers across %s\n",
		ctl.Name(), len(specs), cfg.Workers, strings.Join(cfg.Zones, ","))
	fmt.Fprintf(os.Stderr, "[starship] If this process dies, clean up with: starship teardown -project %s -bucket %s -run %s\n",
		cfg.Project, cfg.Bucket, ctl.Name())

	report, err := ctl.Run(ctx, specs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Fprintf(os.Stderr, "[starship] %d succeeded, %d failed, %d skipped | artifacts in gs://%s/%s/\n",
		report.Counts.Succeeded, report.Counts.Failed, report.Counts.Skipped, cfg.Bucket, cfg.Folder)
	return ExitSuccess
}

// exitCodeFor maps run failures to the documented exit codes.
func exitCodeFor(err error) int {
	var (
		capErr      *fleet.CapacityError
		conflictErr *fleet.ConflictError
		shortErr    *fleet.ShortfallError
		timeoutErr  *fleet.TimeoutError
	)
	switch {
	case errors.As(err, &capErr):
		return ExitCapacity
	case errors.As(err, &conflictErr):
		return ExitConflict
	case errors.As(err, &shortErr):
		return ExitShortfall
	case errors.As(err, &timeoutErr):
		return ExitTimeout
	default:
		return ExitGeneralError
	}
}

// splitList parses a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
