package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Qingzheng-Wang/starship-audio/internal/cloud"
	"github.com/Qingzheng-Wang/starship-audio/internal/config"
	"github.com/Qingzheng-Wang/starship-audio/internal/fleet"
)

// runTeardown terminates every instance of a run by hand, for when the
// controller died before cleaning up after itself.
func runTeardown(args []string) int {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)

	project := fs.String("project", "", "GCP project (required)")
	bucketName := fs.String("bucket", "", "GCS bucket holding the run's leases (required)")
	runName := fs.String("run", "", "Run to tear down (required)")
	zones := fs.String("zones", "", "Comma-separated zones to sweep")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: starship teardown [options]

Terminate every instance named starship-<run>-* across the given zones and
release the run's zone leases. Safe to repeat; a sweep that finds nothing
to do succeeds.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg = cfg.Merge(config.Config{
		Project: *project,
		Bucket:  *bucketName,
		Zones:   splitList(*zones),
	})

	if cfg.Project == "" || cfg.Bucket == "" || *runName == "" {
		fmt.Fprintln(os.Stderr, "Error: -project, -bucket, and -run are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx := context.Background()

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
		Run:    *runName,
		Bucket: cfg.Bucket,
		Zones:  cfg.Zones,
	})
	if err := ctl.Teardown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	fmt.Fprintf(os.Stderr, "[starship] Run %s torn down\n", *runName)
	return ExitSuccess
}
