// Package fleet drives a full distributed run on rented compute: it places
// workers across zones, stages the task list and the starship binary in the
// artifact bucket, launches a dispatcher and its workers, watches progress,
// writes a run report, and tears everything down.
//
// This package handles:
//   - Allocating workers to zones with a hard capacity check
//   - Zone leases in the bucket so concurrent runs cannot collide
//   - Startup scripts that boot instances straight into serve/work mode
//   - Launch-failure tolerance with a configurable survivor minimum
//   - Progress polling with a wall-clock budget
//   - The durable run report at runs/<run>/report.json
//   - Prefix-swept, idempotent teardown
//
// # Usage
//
//	prov, err := cloud.NewGCE(ctx, project)
//	bucket, err := blob.OpenBucket(ctx, "gs://my-bucket")
//
//	opts := fleet.DefaultOptions()
//	opts.Bucket = "my-bucket"
//	opts.Workers = 40
//	opts.Zones = []string{"us-central1-a", "us-central1-b"}
//
//	ctl := fleet.NewController(prov, bucket, opts)
//	report, err := ctl.Run(ctx, specs)
//
// Run is all-or-nothing about starting: capacity problems and zone
// conflicts surface before a single instance exists. After launch begins,
// teardown always runs, whether the run completes, times out, or the
// controller is interrupted.
package fleet
