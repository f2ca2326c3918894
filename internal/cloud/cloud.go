package cloud

import (
	"context"
	"fmt"
	"strings"
)

// Metadata keys instances read from the metadata server at boot. The startup
// scripts resolve them with curl against the GCE metadata endpoint.
const (
	MetaServerIP      = "serverip"
	MetaBucket        = "bucket"
	MetaFolder        = "folder"
	MetaInstanceName  = "iname"
	MetaStartupScript = "startup-script"
)

// Spec describes one instance to launch.
type Spec struct {
	Name        string
	Zone        string
	MachineType string
	// Image is an image family, optionally prefixed "project/". Empty
	// means the default Ubuntu LTS family.
	Image    string
	Metadata map[string]string
}

// Instance is a launched machine.
type Instance struct {
	Name       string
	Zone       string
	InternalIP string
	ExternalIP string
}

// Provisioner launches and destroys instances. Terminate of an instance that
// no longer exists is a no-op, so teardown can be replayed safely.
type Provisioner interface {
	Launch(ctx context.Context, spec Spec) (*Instance, error)
	Terminate(ctx context.Context, zone, name string) error
	List(ctx context.Context, zone string) ([]Instance, error)
}

// NamePrefix marks every instance this system launches, whatever the run.
const NamePrefix = "starship-"

// RunPrefix is the name prefix every instance of a run carries. Teardown
// sweeps by this prefix, so even instances the controller lost track of are
// found by name alone.
func RunPrefix(run string) string {
	return NamePrefix + run + "-"
}

// DispatcherName names the run's coordination server.
func DispatcherName(run string) string {
	return RunPrefix(run) + "srv"
}

// WorkerName names the nth worker of a run.
func WorkerName(run string, n int) string {
	return fmt.Sprintf("%swrk-%d", RunPrefix(run), n)
}

// BelongsToRun reports whether an instance name is part of the given run.
func BelongsToRun(name, run string) bool {
	return strings.HasPrefix(name, RunPrefix(run))
}
