// Package progress provides progress reporting for runs.
//
// This package turns dispatcher status snapshots into human-readable lines
// on stdout. It holds no state beyond the last snapshot; the poll loop that
// fetches status drives it.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    Run:     "k3f",
//	    Workers: 40,
//	})
//
//	reporter.Start(total)
//	// per poll:
//	reporter.Update(status)
//	// at the end:
//	reporter.Finish(status)
//
// # Output Format
//
//	[starship] Run k3f: 500 tasks | Workers: 40
//	[starship] 120/500 done | 117 succeeded | 1 failed | 2 skipped | 40 downloading | 340 pending | 12m 4s
//	[starship] Finished in 1h 3m 12s: 489 succeeded, 4 failed, 7 skipped of 500
package progress
