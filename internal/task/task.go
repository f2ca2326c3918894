package task

import "time"

// State is the lifecycle state of a task.
type State string

const (
	// StatePending means the task is queued and waiting for a worker.
	StatePending State = "pending"
	// StateAssigned means the task has been handed to a worker and no
	// completion report has arrived yet.
	StateAssigned State = "assigned"
	// StateSucceeded means a worker reported the download finished.
	StateSucceeded State = "succeeded"
	// StateFailed means the task exhausted its attempt budget.
	StateFailed State = "failed"
	// StateSkipped means a worker determined the task cannot or need not
	// be downloaded (already present, gone from the source, region lock).
	StateSkipped State = "skipped"
)

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateAssigned, StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Terminal reports whether the state is final. Terminal tasks are never
// assigned again.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Outcome is a worker's verdict on an attempt.
type Outcome string

const (
	// OutcomeSuccess means the artifact was downloaded and stored.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means the attempt failed and may be retried.
	OutcomeFailure Outcome = "failure"
	// OutcomeSkipped means the task should not be retried: the artifact
	// already exists or the source refuses to serve it.
	OutcomeSkipped Outcome = "skipped"
)

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return true
	}
	return false
}

// Spec is the immutable description of a single download, as written in a
// task list. Everything beyond URL and Output is optional.
type Spec struct {
	// URL is the page or media URL handed to the fetch tool.
	URL string `json:"url"`

	// Output is the task's directory under the run's artifact prefix.
	// Derived from the URL when the task list carries none; its stable
	// value is what makes the already-downloaded check possible.
	Output string `json:"output_path"`

	// Format overrides the fetch tool's format selection for this task.
	Format string `json:"format,omitempty"`

	// Args are extra fetch tool arguments appended verbatim.
	Args []string `json:"args,omitempty"`

	// Postprocess holds ffmpeg arguments applied to the fetched file,
	// everything after "ffmpeg -i <input>". Split on whitespace; there is
	// no shell quoting.
	Postprocess string `json:"postprocess,omitempty"`

	// PostprocessOutput names the file the Postprocess arguments produce.
	// The fetched input is dropped in its favor.
	PostprocessOutput string `json:"postprocess_output,omitempty"`
}

// Task is a Spec plus its dispatch state.
type Task struct {
	ID string `json:"id"`
	Spec
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	Worker    string    `json:"worker,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Counts is an aggregate view over a task table. Each task is counted in
// exactly one bucket, so the five buckets always sum to Total.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Done is the number of tasks in a terminal state.
func (c Counts) Done() int {
	return c.Succeeded + c.Failed + c.Skipped
}

// Complete reports whether every task is terminal. An empty table is
// complete.
func (c Counts) Complete() bool {
	return c.Done() == c.Total
}
