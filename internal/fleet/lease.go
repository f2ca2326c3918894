package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Lease records exclusive use of a zone by one run. It lives in the bucket
// at leases/<zone>.json so that two controllers pointed at the same bucket
// cannot launch into the same zone at once, even from different machines.
type Lease struct {
	Run     string    `json:"run"`
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// ConflictError reports a zone already held by another run. The holder is
// named so the operator can decide whether to wait or tear it down.
type ConflictError struct {
	Zone string // Contested zone
	Run  string // Run holding it
}

func (e *ConflictError) Error() string {
	if e.Run == "" {
		return fmt.Sprintf("fleet: zone %s is already in use", e.Zone)
	}
	return fmt.Sprintf("fleet: zone %s is held by run %s", e.Zone, e.Run)
}

// Leases manages zone leases in the artifact bucket.
type Leases struct {
	bucket *blob.Bucket
	owner  string
}

// NewLeases creates a lease manager writing into the given bucket. The
// owner string is recorded in each lease for operator forensics only; it
// plays no part in conflict decisions.
func NewLeases(bucket *blob.Bucket, owner string) *Leases {
	return &Leases{bucket: bucket, owner: owner}
}

func leaseKey(zone string) string {
	return "leases/" + zone + ".json"
}

// Acquire claims a zone for the given run until ttl passes. An unexpired
// lease held by a different run is a conflict. Expired or unreadable leases
// are replaced, and re-acquiring our own lease just extends it.
func (l *Leases) Acquire(ctx context.Context, zone, run string, ttl time.Duration) error {
	data, err := l.bucket.ReadAll(ctx, leaseKey(zone))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("fleet: read lease for %s: %w", zone, err)
	}
	if err == nil {
		var cur Lease
		if jerr := json.Unmarshal(data, &cur); jerr == nil {
			if cur.Run != run && time.Now().Before(cur.Expires) {
				return &ConflictError{Zone: zone, Run: cur.Run}
			}
		}
	}

	lease := Lease{Run: run, Owner: l.owner, Expires: time.Now().Add(ttl)}
	data, err = json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return fmt.Errorf("fleet: encode lease: %w", err)
	}
	if err := l.bucket.WriteAll(ctx, leaseKey(zone), data, nil); err != nil {
		return fmt.Errorf("fleet: write lease for %s: %w", zone, err)
	}
	return nil
}

// Release drops the run's lease on a zone. A missing lease or one held by
// a different run is left alone, so teardown can be replayed safely.
func (l *Leases) Release(ctx context.Context, zone, run string) error {
	data, err := l.bucket.ReadAll(ctx, leaseKey(zone))
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("fleet: read lease for %s: %w", zone, err)
	}
	var cur Lease
	if err := json.Unmarshal(data, &cur); err == nil && cur.Run != run {
		return nil
	}
	if err := l.bucket.Delete(ctx, leaseKey(zone)); err != nil && !isNotExist(err) {
		return fmt.Errorf("fleet: delete lease for %s: %w", zone, err)
	}
	return nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
