package cloud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

const (
	defaultImageProject = "ubuntu-os-cloud"
	defaultImageFamily  = "ubuntu-2204-lts"
)

// Instances need to reach the bucket and write their logs; nothing more.
var instanceScopes = []string{
	"https://www.googleapis.com/auth/devstorage.read_write",
	"https://www.googleapis.com/auth/logging.write",
}

// GCE provisions Compute Engine instances.
type GCE struct {
	svc     *compute.Service
	project string

	network        string
	serviceAccount string
}

// NewGCE builds a provisioner using application default credentials. The
// network and service account attached to instances come from
// STARSHIP_GCP_NETWORK and STARSHIP_GCP_SERVICE_ACCOUNT, defaulting to the
// project's default network and default service account.
func NewGCE(ctx context.Context, project string) (*GCE, error) {
	if project == "" {
		return nil, errors.New("cloud: project required")
	}
	svc, err := compute.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	return &GCE{
		svc:            svc,
		project:        project,
		network:        envOr("STARSHIP_GCP_NETWORK", "global/networks/default"),
		serviceAccount: envOr("STARSHIP_GCP_SERVICE_ACCOUNT", "default"),
	}, nil
}

// Launch creates one instance, waits for the create operation to finish, and
// returns the instance with its IPs filled in.
func (g *GCE) Launch(ctx context.Context, spec Spec) (*Instance, error) {
	image, err := g.resolveImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	inst := &compute.Instance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", spec.Zone, spec.MachineType),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
			},
		}},
		// NAT so the instance can reach the public internet.
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: g.network,
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		ServiceAccounts: []*compute.ServiceAccount{{
			Email:  g.serviceAccount,
			Scopes: instanceScopes,
		}},
		Metadata: metadataItems(spec.Metadata),
	}

	op, err := g.svc.Instances.Insert(g.project, spec.Zone, inst).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", spec.Zone, spec.Name, err)
	}
	if err := g.waitZoneOp(ctx, spec.Zone, op.Name); err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", spec.Zone, spec.Name, err)
	}
	log.Printf("[cloud] created %s in %s", spec.Name, spec.Zone)

	return g.describe(ctx, spec.Zone, spec.Name)
}

// Terminate deletes an instance and waits for the delete to finish. An
// instance that is already gone is not an error.
func (g *GCE) Terminate(ctx context.Context, zone, name string) error {
	op, err := g.svc.Instances.Delete(g.project, zone, name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete %s/%s: %w", zone, name, err)
	}
	if err := g.waitZoneOp(ctx, zone, op.Name); err != nil {
		return fmt.Errorf("delete %s/%s: %w", zone, name, err)
	}
	log.Printf("[cloud] deleted %s in %s", name, zone)
	return nil
}

// List returns every instance in a zone.
func (g *GCE) List(ctx context.Context, zone string) ([]Instance, error) {
	var out []Instance
	err := g.svc.Instances.List(g.project, zone).Pages(ctx, func(page *compute.InstanceList) error {
		for _, item := range page.Items {
			out = append(out, fromAPI(zone, item))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", zone, err)
	}
	return out, nil
}

func (g *GCE) describe(ctx context.Context, zone, name string) (*Instance, error) {
	inst, err := g.svc.Instances.Get(g.project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", zone, name, err)
	}
	out := fromAPI(zone, inst)
	return &out, nil
}

// resolveImage turns an image family into a concrete source image link.
// family may carry a "project/" prefix; empty means the Ubuntu LTS default.
func (g *GCE) resolveImage(ctx context.Context, family string) (string, error) {
	project := defaultImageProject
	if family == "" {
		family = defaultImageFamily
	}
	if i := strings.IndexByte(family, '/'); i >= 0 {
		project, family = family[:i], family[i+1:]
	}
	img, err := g.svc.Images.GetFromFamily(project, family).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("resolve image %s/%s: %w", project, family, err)
	}
	return img.SelfLink, nil
}

// waitZoneOp blocks until a zone operation reports DONE, polling once a
// second.
func (g *GCE) waitZoneOp(ctx context.Context, zone, name string) error {
	for {
		op, err := g.svc.ZoneOperations.Get(g.project, zone, name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("operation %s: %w", name, err)
		}
		if op.Status == "DONE" {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				e := op.Error.Errors[0]
				return fmt.Errorf("operation %s: %s: %s", name, e.Code, e.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// metadataItems converts a map into the API's item list, keys sorted so a
// spec always serializes the same way.
func metadataItems(meta map[string]string) *compute.Metadata {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]*compute.MetadataItems, 0, len(keys))
	for _, k := range keys {
		items = append(items, &compute.MetadataItems{
			Key:   k,
			Value: strptr(meta[k]),
		})
	}
	return &compute.Metadata{Items: items}
}

func fromAPI(zone string, inst *compute.Instance) Instance {
	out := Instance{Name: inst.Name, Zone: zone}
	if len(inst.NetworkInterfaces) > 0 {
		ni := inst.NetworkInterfaces[0]
		out.InternalIP = ni.NetworkIP
		if len(ni.AccessConfigs) > 0 {
			out.ExternalIP = ni.AccessConfigs[0].NatIP
		}
	}
	return out
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func strptr(s string) *string {
	return &s
}
