package protocol

import (
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Dispatcher routes.
const (
	PathTask      = "/task"
	PathComplete  = "/complete"
	PathHeartbeat = "/heartbeat"
	PathStatus    = "/status"
	PathWorkers   = "/workers"
	PathTasks     = "/tasks"
)

// The assignment body returned by GET /task is a task.Task: the task.Spec
// to execute plus its id and attempt count for worker logs. GET /tasks returns
// the full table as []task.Task; the fleet controller reads it to write the
// run report.

// CompleteRequest is a worker's completion report for a task it holds.
type CompleteRequest struct {
	Worker  string       `json:"worker"`
	Task    string       `json:"task"`
	Outcome task.Outcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// HeartbeatRequest tells the dispatcher a worker is still alive. Workers
// send one periodically while executing; requesting a task counts as one
// too.
type HeartbeatRequest struct {
	Worker string `json:"worker"`
}

// StatusResponse is the dispatcher's aggregate view of the run. Complete is
// derived from the counts but carried explicitly so pollers need no
// arithmetic.
type StatusResponse struct {
	task.Counts
	Complete bool `json:"complete"`
}

// WorkerInfo is one entry of the dispatcher's worker registry, exposed on
// GET /workers for operators.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Zone     string    `json:"zone,omitempty"`
	Task     string    `json:"task,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Dead     bool      `json:"dead"`
}
