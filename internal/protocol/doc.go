// Package protocol defines the wire protocol between workers and the
// dispatcher, and a retrying HTTP client that speaks it.
//
// # Endpoints
//
//	GET  /task?worker=<id>[&zone=<z>]   200 task.Task | 204 nothing pending
//	POST /complete                      200 | 409 not the holder | 400 malformed
//	POST /heartbeat                     200
//	GET  /status                        200 StatusResponse
//	GET  /workers                       200 []WorkerInfo
//	GET  /tasks                         200 []task.Task
//
// # Retry Behavior
//
// Transport failures and 5xx responses are retried with exponential backoff
// and jitter. Protocol answers are never retried: 204 becomes ErrNoTask, 409
// ErrNotAssigned, 400 ErrBadRequest. Heartbeats are fire-and-forget single
// requests; the next beat is the retry.
package protocol
