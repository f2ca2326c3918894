package agent

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/fetch"
	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Options configure a worker agent.
type Options struct {
	// ID identifies this worker to the dispatcher. Required.
	ID string

	// Zone is reported with each poll for fleet visibility.
	Zone string

	// FetchTimeout bounds one fetch end to end. Defaults to 15 minutes.
	FetchTimeout time.Duration

	// HeartbeatInterval is the pump period while a fetch is in flight.
	// Must stay well under the dispatcher's liveness timeout. Defaults to
	// 15 seconds.
	HeartbeatInterval time.Duration

	// IdleBackoff and IdleMaxBackoff bound the sleep between empty polls;
	// the sleep doubles from the former to the latter and resets when work
	// arrives. Default to 1s and 30s.
	IdleBackoff    time.Duration
	IdleMaxBackoff time.Duration
}

// DefaultOptions returns the default agent options. ID has no default.
func DefaultOptions() Options {
	return Options{
		FetchTimeout:      15 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		IdleBackoff:       time.Second,
		IdleMaxBackoff:    30 * time.Second,
	}
}

// Agent is one worker: a sequential loop that polls the dispatcher for a
// task, fetches it, and reports the verdict. One task is in flight at a
// time, and the agent never retries a task itself; requeueing is the
// dispatcher's decision.
type Agent struct {
	client  *protocol.Client
	fetcher fetch.Fetcher
	opts    Options
}

// New builds an agent. Zero option fields fall back to their defaults.
func New(client *protocol.Client, fetcher fetch.Fetcher, opts Options) *Agent {
	def := DefaultOptions()
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = def.IdleBackoff
	}
	if opts.IdleMaxBackoff <= 0 {
		opts.IdleMaxBackoff = def.IdleMaxBackoff
	}
	return &Agent{client: client, fetcher: fetcher, opts: opts}
}

// Run polls for work until the run is complete or ctx is cancelled. A
// cancelled context is a clean stop and returns nil; any task in flight is
// abandoned to the dispatcher's liveness sweep.
func (a *Agent) Run(ctx context.Context) error {
	if a.opts.ID == "" {
		return errors.New("agent: worker id required")
	}
	log.Printf("[agent] %s: starting", a.opts.ID)

	idle := 0
	for ctx.Err() == nil {
		t, err := a.client.NextTask(ctx, a.opts.ID, a.opts.Zone)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, protocol.ErrNoTask):
			if a.runComplete(ctx) {
				log.Printf("[agent] %s: run complete, exiting", a.opts.ID)
				return nil
			}
			idle++
			a.idleWait(ctx, idle)
		case err != nil:
			// The dispatcher may just be restarting; keep polling.
			log.Printf("[agent] %s: poll: %v", a.opts.ID, err)
			idle++
			a.idleWait(ctx, idle)
		default:
			idle = 0
			a.process(ctx, *t)
		}
	}
	return nil
}

// process runs one task start to finish and reports the verdict.
func (a *Agent) process(ctx context.Context, t task.Task) {
	log.Printf("[agent] %s: fetching %s (%s, attempt %d)", a.opts.ID, t.ID, t.URL, t.Attempts)

	fctx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
	stop := a.startHeartbeat(fctx)
	res, err := a.fetcher.Fetch(fctx, t)
	stop()
	cancel()

	if ctx.Err() != nil {
		// Shutting down; the liveness sweep will requeue the task.
		return
	}

	outcome, detail := verdict(err)
	if rerr := a.client.Report(ctx, protocol.CompleteRequest{
		Worker:  a.opts.ID,
		Task:    t.ID,
		Outcome: outcome,
		Error:   detail,
	}); rerr != nil {
		if errors.Is(rerr, protocol.ErrNotAssigned) {
			log.Printf("[agent] %s: %s was reclaimed before the report landed", a.opts.ID, t.ID)
			return
		}
		log.Printf("[agent] %s: report %s: %v", a.opts.ID, t.ID, rerr)
		return
	}

	switch outcome {
	case task.OutcomeSuccess:
		log.Printf("[agent] %s: %s done, %d files (%d bytes) at %s",
			a.opts.ID, t.ID, res.Files, res.Bytes, res.Location)
	default:
		log.Printf("[agent] %s: %s %s: %s", a.opts.ID, t.ID, outcome, detail)
	}
}

// verdict maps a fetch error to the outcome reported upstream. Artifacts
// already present and permanently failing videos are skips; everything else
// that went wrong is a failure the dispatcher may hand out again.
func verdict(err error) (task.Outcome, string) {
	if err == nil {
		return task.OutcomeSuccess, ""
	}
	if errors.Is(err, fetch.ErrExists) {
		return task.OutcomeSkipped, "artifacts already present"
	}
	var ferr *fetch.Error
	if errors.As(err, &ferr) && ferr.Kind.Permanent() {
		return task.OutcomeSkipped, ferr.Error()
	}
	return task.OutcomeFailure, err.Error()
}

// startHeartbeat pumps heartbeats while a fetch is in flight. The returned
// stop function waits for the pump to exit, so beats never outlive the task
// they were covering.
func (a *Agent) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(a.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.client.Heartbeat(ctx, a.opts.ID); err != nil {
					log.Printf("[agent] %s: heartbeat: %v", a.opts.ID, err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// runComplete asks the dispatcher whether every task is terminal. An empty
// queue alone is not enough to exit: other workers may still fail tasks back
// into it.
func (a *Agent) runComplete(ctx context.Context) bool {
	status, err := a.client.Status(ctx)
	return err == nil && status.Complete
}

// idleWait sleeps between empty polls, doubling from IdleBackoff up to
// IdleMaxBackoff.
func (a *Agent) idleWait(ctx context.Context, attempt int) {
	backoff := a.opts.IdleBackoff
	for i := 1; i < attempt && backoff < a.opts.IdleMaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > a.opts.IdleMaxBackoff {
		backoff = a.opts.IdleMaxBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}
