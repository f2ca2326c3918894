package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
)

// Options configures the progress reporter.
type Options struct {
	// Run is the run name shown in the header.
	Run string

	// Workers is the fleet size shown in the header.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer
}

// Reporter prints human-readable run progress from dispatcher status
// snapshots. The fleet controller feeds it one snapshot per poll; identical
// consecutive snapshots print nothing, so a quiet fleet stays quiet.
type Reporter struct {
	opts      Options
	startTime time.Time
	last      protocol.StatusResponse
	seen      bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Reporter{opts: opts}
}

// Start prints the run header and marks the start time.
func (r *Reporter) Start(total int) {
	r.startTime = time.Now()
	fmt.Fprintf(r.opts.Output, "[starship] Run %s: %d tasks | Workers: %d\n",
		r.opts.Run, total, r.opts.Workers)
}

// Update prints a progress line for a fresh snapshot.
func (r *Reporter) Update(status protocol.StatusResponse) {
	if r.seen && status == r.last {
		return
	}
	r.seen = true
	r.last = status

	fmt.Fprintf(r.opts.Output,
		"[starship] %d/%d done | %d succeeded | %d failed | %d skipped | %d downloading | %d pending | %s\n",
		status.Done(), status.Total,
		status.Succeeded, status.Failed, status.Skipped,
		status.Assigned, status.Pending,
		formatDuration(time.Since(r.startTime)),
	)
}

// Offline notes that the dispatcher is not answering yet.
func (r *Reporter) Offline() {
	fmt.Fprintf(r.opts.Output, "[starship] dispatcher not yet live, retrying...\n")
}

// Finish prints the final summary.
func (r *Reporter) Finish(status protocol.StatusResponse) {
	fmt.Fprintf(r.opts.Output, "[starship] Finished in %s: %d succeeded, %d failed, %d skipped of %d\n",
		formatDuration(time.Since(r.startTime)),
		status.Succeeded, status.Failed, status.Skipped, status.Total,
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
