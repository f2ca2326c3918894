// Package agent runs the worker side of a run: poll, fetch, report, repeat.
//
// The loop is deliberately sequential. A worker instance is sized for one
// download at a time, and keeping one task in flight makes ownership simple:
// whatever this agent holds is the only thing it can lose.
//
// While a fetch is in flight a background pump heartbeats the dispatcher so
// long downloads do not look like a dead worker. When the dispatcher reports
// the run complete, the agent exits cleanly and the instance can be torn
// down.
package agent
