package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	"github.com/Qingzheng-Wang/starship-audio/internal/cloud"
	"github.com/Qingzheng-Wang/starship-audio/internal/progress"
	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Common errors.
var (
	ErrNoBucket = errors.New("fleet: bucket name required")
	ErrNoTasks  = errors.New("fleet: empty task list")
)

// Options configures a fleet run.
type Options struct {
	// Run names the run. Instance names and bucket keys derive from it.
	// Default: a fresh short id
	Run string

	// Bucket is the artifact bucket name, without a scheme. Instances
	// address it as gs://<Bucket>.
	Bucket string

	// Folder is the artifact folder inside the bucket.
	// Default: "audio"
	Folder string

	// Workers is the number of worker instances to launch.
	Workers int

	// Zones are the compute zones to fill, in order. The dispatcher
	// lands in the first one.
	Zones []string

	// MaxWorkersPerZone caps how many workers one zone receives.
	// Default: 72
	MaxWorkersPerZone int

	// MinWorkers is the smallest surviving fleet the run will proceed
	// with after launch failures. Zero requires only one survivor.
	MinWorkers int

	// Image is the boot image family for all instances, optionally
	// prefixed "project/". Empty selects the provisioner default.
	Image string

	// MachineType is the dispatcher machine type.
	// Default: "n1-standard-1"
	MachineType string

	// WorkerMachineType is the worker machine type.
	// Default: "e2-small"
	WorkerMachineType string

	// MaxAttempts is the per-task assignment budget handed to the
	// dispatcher.
	// Default: 3
	MaxAttempts int

	// LivenessTimeout is how long the dispatcher waits for a silent
	// worker before reclaiming its task.
	// Default: 60s
	LivenessTimeout time.Duration

	// SweepInterval is how often the dispatcher checks worker liveness.
	// Default: 5s
	SweepInterval time.Duration

	// PollInterval is how often the controller polls run status.
	// Default: 5s
	PollInterval time.Duration

	// DispatcherPort is the port the dispatcher listens on and everyone
	// else dials.
	// Default: 8080
	DispatcherPort int

	// RunBudget bounds the run's wall clock after launch. The fleet is
	// torn down when it expires. Zero means no bound.
	RunBudget time.Duration

	// LaunchTimeout bounds the wait for the dispatcher to come up.
	// Default: 5m
	LaunchTimeout time.Duration

	// FetchTimeout bounds a single download on the workers.
	// Default: 15m
	FetchTimeout time.Duration

	// KeepOriginal tells workers to keep the fetched file next to
	// postprocessed output.
	KeepOriginal bool

	// Binary is a linux/amd64 starship binary to stage for instances.
	// Empty stages the running executable.
	Binary string

	// Output is where progress lines go.
	// Default: os.Stdout
	Output io.Writer
}

// DefaultOptions returns Options with defaults for everything a run does
// not have to decide. Bucket, Workers and Zones stay required.
func DefaultOptions() Options {
	return Options{
		Folder:            "audio",
		MaxWorkersPerZone: 72,
		MachineType:       "n1-standard-1",
		WorkerMachineType: "e2-small",
		MaxAttempts:       3,
		LivenessTimeout:   60 * time.Second,
		SweepInterval:     5 * time.Second,
		PollInterval:      5 * time.Second,
		DispatcherPort:    8080,
		LaunchTimeout:     5 * time.Minute,
		FetchTimeout:      15 * time.Minute,
	}
}

// ShortfallError reports that too few workers launched to start the run.
// The fleet is torn down before it is returned.
type ShortfallError struct {
	Launched int // Workers that came up
	Minimum  int // Smallest acceptable fleet
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("fleet: only %d workers launched, need at least %d", e.Launched, e.Minimum)
}

// TimeoutError reports that the run outlived its wall-clock budget. The
// fleet is torn down; finished artifacts stay in the bucket and the report
// records how far the run got.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fleet: run exceeded its %s budget", e.Budget)
}

// Report is the run's durable record, written to runs/<run>/report.json.
type Report struct {
	Run       string       `json:"run"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Complete  bool         `json:"complete"`
	Counts    task.Counts  `json:"counts"`
	Workers   int          `json:"workers"`
	Shortfall int          `json:"shortfall,omitempty"`
	Tasks     []ReportTask `json:"tasks,omitempty"`
}

// ReportTask is one task's final record.
type ReportTask struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Output    string     `json:"output_path"`
	State     task.State `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

// Controller drives one run end to end: allocate, lease, stage, launch,
// watch, report, tear down.
type Controller struct {
	prov   cloud.Provisioner
	bucket *blob.Bucket
	opts   Options
	leases *Leases
}

// NewController creates a controller over the given provisioner and bucket.
// Zero-valued options fall back to defaults; an empty Run gets a fresh name.
func NewController(prov cloud.Provisioner, bucket *blob.Bucket, opts Options) *Controller {
	def := DefaultOptions()
	if opts.Run == "" {
		opts.Run = NewRunName()
	}
	if opts.Folder == "" {
		opts.Folder = def.Folder
	}
	if opts.MaxWorkersPerZone == 0 {
		opts.MaxWorkersPerZone = def.MaxWorkersPerZone
	}
	if opts.MachineType == "" {
		opts.MachineType = def.MachineType
	}
	if opts.WorkerMachineType == "" {
		opts.WorkerMachineType = def.WorkerMachineType
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.LivenessTimeout == 0 {
		opts.LivenessTimeout = def.LivenessTimeout
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.DispatcherPort == 0 {
		opts.DispatcherPort = def.DispatcherPort
	}
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = def.LaunchTimeout
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = def.FetchTimeout
	}

	owner, _ := os.Hostname()
	if owner == "" {
		owner = "starship"
	}
	return &Controller{
		prov:   prov,
		bucket: bucket,
		opts:   opts,
		leases: NewLeases(bucket, owner),
	}
}

// NewRunName returns a short identifier safe for instance names.
func NewRunName() string {
	return uuid.NewString()[:8]
}

// Name returns the run name, generated if none was configured.
func (c *Controller) Name() string {
	return c.opts.Run
}

// Run executes a complete run and returns its report. Fatal pre-launch
// conditions (capacity, zone conflicts) return before any instance exists.
// Once launching begins, teardown always runs before Run returns, even
// when ctx is cancelled.
func (c *Controller) Run(ctx context.Context, specs []task.Spec) (*Report, error) {
	if c.opts.Bucket == "" {
		return nil, ErrNoBucket
	}
	if len(specs) == 0 {
		return nil, ErrNoTasks
	}
	allocs, err := Allocate(c.opts.Workers, c.opts.Zones, c.opts.MaxWorkersPerZone)
	if err != nil {
		return nil, err
	}
	zones := zonesOf(allocs)

	if err := c.guardZones(ctx, zones); err != nil {
		return nil, err
	}
	if err := c.acquireLeases(ctx, zones); err != nil {
		return nil, err
	}

	report, runErr := c.execute(ctx, allocs, specs)

	tctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
	}
	if err := c.Teardown(tctx); err != nil {
		log.Printf("[fleet] teardown left work behind: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return report, runErr
}

func (c *Controller) execute(ctx context.Context, allocs []Allocation, specs []task.Spec) (*Report, error) {
	started := time.Now().UTC()
	rep := progress.NewReporter(progress.Options{
		Run:     c.opts.Run,
		Workers: c.opts.Workers,
		Output:  c.opts.Output,
	})
	rep.Start(len(specs))

	if err := c.stageTasks(ctx, specs); err != nil {
		return nil, err
	}
	if err := c.stageBinary(ctx); err != nil {
		return nil, err
	}

	disp, err := c.launchDispatcher(ctx, allocs[0].Zone)
	if err != nil {
		return nil, fmt.Errorf("fleet: launch dispatcher: %w", err)
	}
	client := protocol.NewClient(fmt.Sprintf("http://%s:%d", disp.ExternalIP, c.opts.DispatcherPort), protocol.DefaultOptions())
	if err := c.waitLive(ctx, client, rep); err != nil {
		return nil, err
	}
	log.Printf("[fleet] dispatcher %s live at %s", disp.Name, disp.ExternalIP)

	launched, err := c.launchWorkers(ctx, allocs, disp.InternalIP)
	if err != nil {
		return nil, err
	}

	status, runErr := c.watch(ctx, client, rep)

	// The final snapshot and report still matter after Ctrl-C, so give
	// them a fresh deadline when the run context is already dead.
	fctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	report := c.buildReport(fctx, client, started, status, launched)
	if status != nil {
		rep.Finish(*status)
	}
	if err := c.writeReport(fctx, report); err != nil {
		log.Printf("[fleet] %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return report, runErr
}

// guardZones refuses to launch into a zone where instances of this system
// are already alive. Leases catch well-behaved controllers; this catches
// runs whose controller died without cleaning up.
func (c *Controller) guardZones(ctx context.Context, zones []string) error {
	for _, zone := range zones {
		instances, err := c.prov.List(ctx, zone)
		if err != nil {
			return fmt.Errorf("fleet: list %s: %w", zone, err)
		}
		for _, inst := range instances {
			if strings.HasPrefix(inst.Name, cloud.NamePrefix) {
				return &ConflictError{Zone: zone, Run: runOf(inst.Name)}
			}
		}
	}
	return nil
}

// runOf extracts the run name from an instance name.
func runOf(name string) string {
	rest := strings.TrimPrefix(name, cloud.NamePrefix)
	if run, ok := strings.CutSuffix(rest, "-srv"); ok {
		return run
	}
	if i := strings.LastIndex(rest, "-wrk-"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (c *Controller) acquireLeases(ctx context.Context, zones []string) error {
	// The lease must outlive the run or it protects nothing; without a
	// budget, assume a working day is enough.
	ttl := c.opts.RunBudget + 30*time.Minute
	if c.opts.RunBudget <= 0 {
		ttl = 6 * time.Hour
	}
	for i, zone := range zones {
		if err := c.leases.Acquire(ctx, zone, c.opts.Run, ttl); err != nil {
			for _, held := range zones[:i] {
				if rerr := c.leases.Release(ctx, held, c.opts.Run); rerr != nil {
					log.Printf("[fleet] release lease on %s: %v", held, rerr)
				}
			}
			return err
		}
	}
	return nil
}

func (c *Controller) stageTasks(ctx context.Context, specs []task.Spec) error {
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return fmt.Errorf("fleet: encode task list: %w", err)
	}
	if err := c.bucket.WriteAll(ctx, tasksKey(c.opts.Run), data, nil); err != nil {
		return fmt.Errorf("fleet: stage task list: %w", err)
	}
	return nil
}

func (c *Controller) stageBinary(ctx context.Context) error {
	bin := c.opts.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("fleet: locate own binary: %w", err)
		}
		bin = exe
	}
	f, err := os.Open(bin)
	if err != nil {
		return fmt.Errorf("fleet: open binary: %w", err)
	}
	defer f.Close()

	w, err := c.bucket.NewWriter(ctx, binaryKey(c.opts.Run), nil)
	if err != nil {
		return fmt.Errorf("fleet: stage binary: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("fleet: stage binary: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("fleet: stage binary: %w", err)
	}
	return nil
}

func (c *Controller) launchDispatcher(ctx context.Context, zone string) (*cloud.Instance, error) {
	name := cloud.DispatcherName(c.opts.Run)
	log.Printf("[fleet] launching dispatcher %s in %s", name, zone)
	return c.prov.Launch(ctx, cloud.Spec{
		Name:        name,
		Zone:        zone,
		MachineType: c.opts.MachineType,
		Image:       c.opts.Image,
		Metadata: map[string]string{
			cloud.MetaStartupScript: serveScript(c.opts.Run, c.opts),
			cloud.MetaBucket:        c.opts.Bucket,
			cloud.MetaInstanceName:  name,
		},
	})
}

// waitLive polls the dispatcher until /status answers. A fresh instance
// needs a minute or two to boot and pull the binary.
func (c *Controller) waitLive(ctx context.Context, client *protocol.Client, rep *progress.Reporter) error {
	deadline := time.Now().Add(c.opts.LaunchTimeout)
	for {
		if _, err := client.Status(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("fleet: no answer from dispatcher after %s", c.opts.LaunchTimeout)
		}
		rep.Offline()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// launchWorkers brings up the allocated fleet. Individual launch failures
// are logged and tolerated; the run proceeds with survivors unless they
// fall below the configured minimum.
func (c *Controller) launchWorkers(ctx context.Context, allocs []Allocation, serverIP string) (int, error) {
	script := workScript(c.opts.Run, c.opts)
	launched := 0
	idx := 0
	for _, alloc := range allocs {
		for i := 0; i < alloc.Workers; i++ {
			name := cloud.WorkerName(c.opts.Run, idx)
			idx++
			_, err := c.prov.Launch(ctx, cloud.Spec{
				Name:        name,
				Zone:        alloc.Zone,
				MachineType: c.opts.WorkerMachineType,
				Image:       c.opts.Image,
				Metadata: map[string]string{
					cloud.MetaStartupScript: script,
					cloud.MetaBucket:        c.opts.Bucket,
					cloud.MetaInstanceName:  name,
					cloud.MetaServerIP:      serverIP,
					cloud.MetaFolder:        c.opts.Folder,
				},
			})
			if err != nil {
				if ctx.Err() != nil {
					return launched, ctx.Err()
				}
				log.Printf("[fleet] launch worker %s in %s: %v", name, alloc.Zone, err)
				continue
			}
			launched++
		}
	}

	minimum := c.opts.MinWorkers
	if minimum <= 0 {
		minimum = 1
	}
	if launched < minimum {
		return launched, &ShortfallError{Launched: launched, Minimum: minimum}
	}
	if launched < c.opts.Workers {
		log.Printf("[fleet] launched %d of %d workers, continuing with survivors", launched, c.opts.Workers)
	}
	return launched, nil
}

// watch polls run status until every task is terminal, the budget expires,
// or ctx is cancelled. A dispatcher that stops answering mid-run is logged
// and retried; teardown kills it either way.
func (c *Controller) watch(ctx context.Context, client *protocol.Client, rep *progress.Reporter) (*protocol.StatusResponse, error) {
	var budget <-chan time.Time
	if c.opts.RunBudget > 0 {
		t := time.NewTimer(c.opts.RunBudget)
		defer t.Stop()
		budget = t.C
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var last *protocol.StatusResponse
	for {
		status, err := client.Status(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil:
			rep.Offline()
		default:
			last = status
			rep.Update(*status)
			if status.Complete {
				return status, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-budget:
			return last, &TimeoutError{Budget: c.opts.RunBudget}
		case <-ticker.C:
		}
	}
}

func (c *Controller) buildReport(ctx context.Context, client *protocol.Client, started time.Time, status *protocol.StatusResponse, launched int) *Report {
	report := &Report{
		Run:       c.opts.Run,
		Started:   started,
		Finished:  time.Now().UTC(),
		Workers:   launched,
		Shortfall: c.opts.Workers - launched,
	}
	if status != nil {
		report.Complete = status.Complete
		report.Counts = status.Counts
	}
	tasks, err := client.Tasks(ctx)
	if err != nil {
		log.Printf("[fleet] fetch task states for report: %v", err)
		return report
	}
	report.Tasks = make([]ReportTask, 0, len(tasks))
	for _, t := range tasks {
		report.Tasks = append(report.Tasks, ReportTask{
			ID:        t.ID,
			URL:       t.URL,
			Output:    t.Output,
			State:     t.State,
			Attempts:  t.Attempts,
			LastError: t.LastError,
		})
	}
	return report
}

func (c *Controller) writeReport(ctx context.Context, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("fleet: encode report: %w", err)
	}
	if err := c.bucket.WriteAll(ctx, reportKey(c.opts.Run), data, nil); err != nil {
		return fmt.Errorf("fleet: write report: %w", err)
	}
	log.Printf("[fleet] report written to %s", reportKey(c.opts.Run))
	return nil
}

// Teardown terminates every instance of the run across the configured
// zones and releases their leases. It sweeps by name prefix, so instances
// the controller lost track of still die. Best-effort and idempotent; the
// returned error aggregates everything needing manual cleanup.
func (c *Controller) Teardown(ctx context.Context) error {
	var errs []error
	for _, zone := range c.opts.Zones {
		instances, err := c.prov.List(ctx, zone)
		if err != nil {
			errs = append(errs, fmt.Errorf("fleet: list %s: %w", zone, err))
			continue
		}
		for _, inst := range instances {
			if !cloud.BelongsToRun(inst.Name, c.opts.Run) {
				continue
			}
			log.Printf("[fleet] terminating %s in %s", inst.Name, zone)
			if err := c.prov.Terminate(ctx, zone, inst.Name); err != nil {
				errs = append(errs, fmt.Errorf("fleet: terminate %s: %w", inst.Name, err))
			}
		}
		if err := c.leases.Release(ctx, zone, c.opts.Run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func zonesOf(allocs []Allocation) []string {
	zones := make([]string, len(allocs))
	for i, a := range allocs {
		zones[i] = a.Zone
	}
	return zones
}
