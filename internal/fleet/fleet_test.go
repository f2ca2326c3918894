package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/Qingzheng-Wang/starship-audio/internal/cloud"
	"github.com/Qingzheng-Wang/starship-audio/internal/dispatch"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// fakeProvisioner records launches and terminations in memory.
type fakeProvisioner struct {
	mu         sync.Mutex
	launched   []cloud.Spec
	terminated []string
	instances  map[string][]cloud.Instance
	failNames  map[string]bool
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		instances: make(map[string][]cloud.Instance),
		failNames: make(map[string]bool),
	}
}

func (p *fakeProvisioner) Launch(ctx context.Context, spec cloud.Spec) (*cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNames[spec.Name] {
		return nil, errors.New("quota exceeded")
	}
	p.launched = append(p.launched, spec)
	inst := cloud.Instance{
		Name:       spec.Name,
		Zone:       spec.Zone,
		InternalIP: "10.0.0.2",
		ExternalIP: "127.0.0.1",
	}
	p.instances[spec.Zone] = append(p.instances[spec.Zone], inst)
	return &inst, nil
}

func (p *fakeProvisioner) Terminate(ctx context.Context, zone, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, name)
	list := p.instances[zone]
	for i, inst := range list {
		if inst.Name == name {
			p.instances[zone] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakeProvisioner) List(ctx context.Context, zone string) ([]cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cloud.Instance(nil), p.instances[zone]...), nil
}

func (p *fakeProvisioner) launchedNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.launched))
	for i, spec := range p.launched {
		names[i] = spec.Name
	}
	return names
}

// startDispatcher serves a real dispatcher on a local port, standing in for
// the instance the controller believes it launched.
func startDispatcher(t *testing.T, store *task.Store) int {
	t.Helper()
	srv := dispatch.NewServer(store, dispatch.DefaultOptions())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return port
}

// drain pushes every task in the store to succeeded so /status reports the
// run complete as soon as the controller starts watching.
func drain(store *task.Store) {
	for {
		tk, ok := store.Next("seed-worker")
		if !ok {
			return
		}
		store.Report("seed-worker", tk.ID, task.OutcomeSuccess, "")
	}
}

func testSpecs(n int) []task.Spec {
	specs := make([]task.Spec, n)
	for i := range specs {
		specs[i] = task.Spec{
			URL:    fmt.Sprintf("https://youtube.com/watch?v=vid%04d", i),
			Output: fmt.Sprintf("vid%04d", i),
		}
	}
	return specs
}

func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starship")
	if err := os.WriteFile(path, []byte("fake starship binary"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	return path
}

func testOptions(t *testing.T, port int) Options {
	t.Helper()
	return Options{
		Run:            "k3f",
		Bucket:         "demo-bucket",
		Workers:        2,
		Zones:          []string{"us-central1-a"},
		PollInterval:   10 * time.Millisecond,
		LaunchTimeout:  2 * time.Second,
		DispatcherPort: port,
		Binary:         fakeBinary(t),
		Output:         io.Discard,
	}
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()

	specs := testSpecs(3)
	store := task.NewStore(specs, 3)
	drain(store)
	port := startDispatcher(t, store)

	ctl := NewController(prov, bucket, testOptions(t, port))
	report, err := ctl.Run(ctx, specs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.Complete {
		t.Error("report.Complete = false, want true")
	}
	if report.Counts.Succeeded != 3 {
		t.Errorf("report.Counts.Succeeded = %d, want 3", report.Counts.Succeeded)
	}
	if report.Workers != 2 || report.Shortfall != 0 {
		t.Errorf("report fleet = %d workers, %d shortfall, want 2, 0", report.Workers, report.Shortfall)
	}
	if len(report.Tasks) != 3 {
		t.Fatalf("report has %d tasks, want 3", len(report.Tasks))
	}
	for _, rt := range report.Tasks {
		if rt.State != task.StateSucceeded {
			t.Errorf("task %s state = %s, want succeeded", rt.ID, rt.State)
		}
	}

	// The dispatcher launches first, then the workers.
	names := prov.launchedNames()
	want := []string{"starship-k3f-srv", "starship-k3f-wrk-0", "starship-k3f-wrk-1"}
	if len(names) != len(want) {
		t.Fatalf("launched %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("launch %d = %s, want %s", i, names[i], want[i])
		}
	}

	srvMeta := prov.launched[0].Metadata
	if srvMeta[cloud.MetaBucket] != "demo-bucket" || srvMeta[cloud.MetaInstanceName] != "starship-k3f-srv" {
		t.Errorf("dispatcher metadata = %v", srvMeta)
	}
	if !strings.Contains(srvMeta[cloud.MetaStartupScript], "starship serve") {
		t.Error("dispatcher startup script does not run serve")
	}
	wrkMeta := prov.launched[1].Metadata
	if wrkMeta[cloud.MetaServerIP] != "10.0.0.2" {
		t.Errorf("worker serverip = %q, want dispatcher internal IP", wrkMeta[cloud.MetaServerIP])
	}
	if wrkMeta[cloud.MetaFolder] != "audio" {
		t.Errorf("worker folder = %q, want audio", wrkMeta[cloud.MetaFolder])
	}

	// Everything staged and reported in the bucket.
	tasksData, err := bucket.ReadAll(ctx, "runs/k3f/tasks.json")
	if err != nil {
		t.Fatalf("read staged task list: %v", err)
	}
	var staged []task.Spec
	if err := json.Unmarshal(tasksData, &staged); err != nil || len(staged) != 3 {
		t.Errorf("staged task list: %d specs, err %v", len(staged), err)
	}
	binData, err := bucket.ReadAll(ctx, "runs/k3f/bin/starship")
	if err != nil || string(binData) != "fake starship binary" {
		t.Errorf("staged binary wrong: %q, %v", binData, err)
	}
	reportData, err := bucket.ReadAll(ctx, "runs/k3f/report.json")
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var written Report
	if err := json.Unmarshal(reportData, &written); err != nil || !written.Complete {
		t.Errorf("written report: complete=%v, err %v", written.Complete, err)
	}

	// Teardown killed the whole fleet and released the lease.
	if len(prov.terminated) != 3 {
		t.Errorf("terminated %v, want all 3 instances", prov.terminated)
	}
	left, err := prov.List(ctx, "us-central1-a")
	if err != nil || len(left) != 0 {
		t.Errorf("instances left after teardown: %v", left)
	}
	exists, err := bucket.Exists(ctx, "leases/us-central1-a.json")
	if err != nil || exists {
		t.Errorf("lease still held after teardown: exists=%v err=%v", exists, err)
	}
}

func TestRunCapacityError(t *testing.T) {
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()

	opts := testOptions(t, 1)
	opts.Workers = 100
	opts.MaxWorkersPerZone = 80
	ctl := NewController(prov, bucket, opts)

	_, err := ctl.Run(context.Background(), testSpecs(1))
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Requested != 100 || capErr.Capacity != 80 {
		t.Errorf("CapacityError = %+v", capErr)
	}
	if len(prov.launched) != 0 {
		t.Errorf("launched %v before failing, want nothing", prov.launchedNames())
	}
}

func TestRunRefusesOccupiedZone(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()
	prov.instances["us-central1-a"] = []cloud.Instance{
		{Name: "starship-old1-wrk-0", Zone: "us-central1-a"},
	}

	ctl := NewController(prov, bucket, testOptions(t, 1))
	_, err := ctl.Run(ctx, testSpecs(1))

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Zone != "us-central1-a" || conflict.Run != "old1" {
		t.Errorf("ConflictError = %+v, want zone us-central1-a held by old1", conflict)
	}
	if len(prov.launched) != 0 {
		t.Errorf("launched %v into an occupied zone", prov.launchedNames())
	}
	exists, err := bucket.Exists(ctx, "leases/us-central1-a.json")
	if err != nil || exists {
		t.Errorf("lease written despite conflict: exists=%v err=%v", exists, err)
	}
}

func TestRunRefusesLeasedZone(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()

	other := NewLeases(bucket, "other-host")
	if err := other.Acquire(ctx, "us-central1-a", "other", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctl := NewController(prov, bucket, testOptions(t, 1))
	_, err := ctl.Run(ctx, testSpecs(1))

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Run != "other" {
		t.Errorf("ConflictError names run %q, want other", conflict.Run)
	}
	if len(prov.launched) != 0 {
		t.Errorf("launched %v into a leased zone", prov.launchedNames())
	}
}

func TestRunRollsBackLeasesOnConflict(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()

	other := NewLeases(bucket, "other-host")
	if err := other.Acquire(ctx, "us-central1-b", "other", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	opts := testOptions(t, 1)
	opts.Workers = 15
	opts.Zones = []string{"us-central1-a", "us-central1-b"}
	opts.MaxWorkersPerZone = 10
	ctl := NewController(prov, bucket, opts)

	_, err := ctl.Run(ctx, testSpecs(1))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// The lease taken on the first zone must not stay behind.
	exists, err := bucket.Exists(ctx, "leases/us-central1-a.json")
	if err != nil || exists {
		t.Errorf("first zone's lease left behind: exists=%v err=%v", exists, err)
	}
}

func TestRunShortfallAborts(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()
	prov.failNames["starship-k3f-wrk-2"] = true

	specs := testSpecs(3)
	store := task.NewStore(specs, 3)
	port := startDispatcher(t, store)

	opts := testOptions(t, port)
	opts.Workers = 3
	opts.MinWorkers = 3
	ctl := NewController(prov, bucket, opts)

	report, err := ctl.Run(ctx, specs)
	var shortfall *ShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected ShortfallError, got %v", err)
	}
	if shortfall.Launched != 2 || shortfall.Minimum != 3 {
		t.Errorf("ShortfallError = %+v, want Launched=2 Minimum=3", shortfall)
	}
	if report != nil {
		t.Errorf("got a report from an aborted run: %+v", report)
	}

	// The partial fleet was torn down.
	left, err := prov.List(ctx, "us-central1-a")
	if err != nil || len(left) != 0 {
		t.Errorf("instances left after aborted run: %v", left)
	}
}

func TestRunToleratesShortfallAboveMinimum(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()
	prov.failNames["starship-k3f-wrk-2"] = true

	specs := testSpecs(3)
	store := task.NewStore(specs, 3)
	drain(store)
	port := startDispatcher(t, store)

	opts := testOptions(t, port)
	opts.Workers = 3
	opts.MinWorkers = 1
	ctl := NewController(prov, bucket, opts)

	report, err := ctl.Run(ctx, specs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Workers != 2 || report.Shortfall != 1 {
		t.Errorf("report fleet = %d workers, %d shortfall, want 2, 1", report.Workers, report.Shortfall)
	}
}

func TestRunBudgetExpires(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()

	// Nothing works the tasks, so the run cannot finish.
	specs := testSpecs(3)
	store := task.NewStore(specs, 3)
	port := startDispatcher(t, store)

	opts := testOptions(t, port)
	opts.RunBudget = 50 * time.Millisecond
	ctl := NewController(prov, bucket, opts)

	report, err := ctl.Run(ctx, specs)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if report == nil {
		t.Fatal("expected a report from a timed-out run")
	}
	if report.Complete {
		t.Error("report.Complete = true after timeout")
	}
	if report.Counts.Pending != 3 {
		t.Errorf("report.Counts.Pending = %d, want 3", report.Counts.Pending)
	}

	// The report still lands in the bucket, and the fleet dies.
	if exists, err := bucket.Exists(ctx, "runs/k3f/report.json"); err != nil || !exists {
		t.Errorf("report.json missing after timeout: exists=%v err=%v", exists, err)
	}
	left, err := prov.List(ctx, "us-central1-a")
	if err != nil || len(left) != 0 {
		t.Errorf("instances left after timeout: %v", left)
	}
}

func TestTeardownSweepsByPrefixAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bucket := newLeaseBucket(t)
	prov := newFakeProvisioner()
	prov.instances["us-central1-a"] = []cloud.Instance{
		{Name: "starship-k3f-srv", Zone: "us-central1-a"},
		{Name: "starship-k3f-wrk-0", Zone: "us-central1-a"},
		{Name: "starship-other-wrk-0", Zone: "us-central1-a"},
	}
	prov.instances["us-central1-b"] = []cloud.Instance{
		{Name: "starship-k3f-wrk-1", Zone: "us-central1-b"},
	}

	opts := testOptions(t, 1)
	opts.Zones = []string{"us-central1-a", "us-central1-b"}
	ctl := NewController(prov, bucket, opts)

	if err := ctl.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(prov.terminated) != 3 {
		t.Errorf("terminated %v, want the run's 3 instances", prov.terminated)
	}
	left, _ := prov.List(ctx, "us-central1-a")
	if len(left) != 1 || left[0].Name != "starship-other-wrk-0" {
		t.Errorf("foreign instance not spared: %v", left)
	}

	// Replaying teardown finds nothing left to do.
	if err := ctl.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if len(prov.terminated) != 3 {
		t.Errorf("second teardown terminated more: %v", prov.terminated)
	}
}

func TestRunOf(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"starship-k3f-srv", "k3f"},
		{"starship-k3f-wrk-12", "k3f"},
		{"starship-my-run-wrk-0", "my-run"},
		{"starship-x", "x"},
	}
	for _, tt := range tests {
		if got := runOf(tt.name); got != tt.expected {
			t.Errorf("runOf(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestRunRequiresBucketAndTasks(t *testing.T) {
	prov := newFakeProvisioner()
	bucket := newLeaseBucket(t)

	opts := testOptions(t, 1)
	opts.Bucket = ""
	ctl := NewController(prov, bucket, opts)
	if _, err := ctl.Run(context.Background(), testSpecs(1)); !errors.Is(err, ErrNoBucket) {
		t.Errorf("missing bucket: got %v, want ErrNoBucket", err)
	}

	ctl = NewController(prov, bucket, testOptions(t, 1))
	if _, err := ctl.Run(context.Background(), nil); !errors.Is(err, ErrNoTasks) {
		t.Errorf("empty task list: got %v, want ErrNoTasks", err)
	}
}

func TestNewRunName(t *testing.T) {
	a, b := NewRunName(), NewRunName()
	if a == b {
		t.Errorf("run names collide: %q", a)
	}
	if len(a) != 8 || strings.ContainsAny(a, "-_") {
		t.Errorf("run name %q not instance-name friendly", a)
	}
}
