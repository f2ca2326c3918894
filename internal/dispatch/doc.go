// Package dispatch implements the run coordinator: a task store served over
// HTTP to a fleet of pull-based workers.
//
// This package handles:
//   - FIFO assignment of pending tasks to polling workers
//   - Accepting completion reports and enforcing single ownership
//   - Tracking worker liveness through polls and heartbeats
//   - Reclaiming tasks from workers that go silent
//
// # Usage
//
//	store := task.NewStore(specs, 3)
//	srv := dispatch.NewServer(store, dispatch.DefaultOptions())
//
//	// Serve until the run is cancelled.
//	err := srv.Run(ctx, ":8080")
//
// Workers drive the run: the dispatcher never contacts a worker, it only
// answers polls. A worker that stops polling and heartbeating for longer
// than Options.LivenessTimeout is presumed dead and its task goes back to
// the queue, so a run survives lost instances without operator action.
package dispatch
