package cloud

import (
	"testing"

	compute "google.golang.org/api/compute/v1"
)

func TestNaming(t *testing.T) {
	if got := DispatcherName("abc"); got != "starship-abc-srv" {
		t.Errorf("DispatcherName = %q", got)
	}
	if got := WorkerName("abc", 0); got != "starship-abc-wrk-0" {
		t.Errorf("WorkerName = %q", got)
	}
	if got := WorkerName("abc", 71); got != "starship-abc-wrk-71" {
		t.Errorf("WorkerName = %q", got)
	}
}

func TestBelongsToRun(t *testing.T) {
	tests := []struct {
		name string
		run  string
		want bool
	}{
		{"starship-abc-srv", "abc", true},
		{"starship-abc-wrk-12", "abc", true},
		{"starship-abcd-wrk-0", "abc", false}, // different run sharing a prefix
		{"starship-xyz-srv", "abc", false},
		{"unrelated-instance", "abc", false},
	}
	for _, tt := range tests {
		if got := BelongsToRun(tt.name, tt.run); got != tt.want {
			t.Errorf("BelongsToRun(%q, %q) = %v, expected %v", tt.name, tt.run, got, tt.want)
		}
	}
}

func TestMetadataItemsSortedAndNilForEmpty(t *testing.T) {
	if metadataItems(nil) != nil {
		t.Error("expected nil metadata for empty map")
	}

	meta := metadataItems(map[string]string{
		MetaServerIP: "10.0.0.2",
		MetaBucket:   "g-starship-data",
		MetaFolder:   "audio",
	})
	if len(meta.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(meta.Items))
	}
	// bucket < folder < serverip
	wantKeys := []string{MetaBucket, MetaFolder, MetaServerIP}
	for i, k := range wantKeys {
		if meta.Items[i].Key != k {
			t.Errorf("item %d: expected key %s, got %s", i, k, meta.Items[i].Key)
		}
	}
	if meta.Items[2].Value == nil || *meta.Items[2].Value != "10.0.0.2" {
		t.Errorf("unexpected serverip value %v", meta.Items[2].Value)
	}
}

func TestFromAPI(t *testing.T) {
	bare := fromAPI("us-central1-a", &compute.Instance{Name: "starship-abc-wrk-0"})
	if bare.Name != "starship-abc-wrk-0" || bare.Zone != "us-central1-a" {
		t.Errorf("unexpected instance %+v", bare)
	}
	if bare.InternalIP != "" || bare.ExternalIP != "" {
		t.Errorf("expected empty IPs without interfaces, got %+v", bare)
	}

	full := fromAPI("us-central1-a", &compute.Instance{
		Name: "starship-abc-srv",
		NetworkInterfaces: []*compute.NetworkInterface{{
			NetworkIP: "10.128.0.2",
			AccessConfigs: []*compute.AccessConfig{{
				NatIP: "34.1.2.3",
			}},
		}},
	})
	if full.InternalIP != "10.128.0.2" || full.ExternalIP != "34.1.2.3" {
		t.Errorf("unexpected IPs %+v", full)
	}
}
