// Package task holds the task model shared by the dispatcher and the tools
// around it: task specs as parsed from a task list, per-task dispatch state,
// and the Store that assigns tasks to workers.
//
// # Lifecycle
//
// Every task moves through a small state machine owned by the Store:
//
//	pending -> assigned -> succeeded  (success report)
//	                    -> skipped    (skip report)
//	                    -> pending    (failure report or reclaim, budget left)
//	                    -> failed     (failure report, budget spent)
//
// Attempts count assignments, not failures: the counter is incremented when
// a task is handed out. A task with budget k is therefore assigned at most k
// times regardless of how each attempt ends.
//
// # Ownership
//
// A task in the assigned state belongs to exactly one worker. Completion
// reports are accepted only from that worker; reports arriving after a
// reclaim are rejected with ErrNotAssigned.
package task
