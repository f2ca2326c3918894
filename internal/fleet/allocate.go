package fleet

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNoZones      = errors.New("fleet: no zones configured")
	ErrNoWorkers    = errors.New("fleet: worker count must be positive")
	ErrZoneCapacity = errors.New("fleet: per-zone capacity must be positive")
)

// Allocation assigns a number of workers to one zone.
type Allocation struct {
	Zone    string
	Workers int
}

// CapacityError reports that the requested fleet does not fit in the
// configured zones. Nothing has been launched when it is returned; the
// operator adds zones or raises the per-zone cap and retries.
//
// Use errors.As to extract this error and inspect the shortfall.
type CapacityError struct {
	Requested int // Workers asked for
	Capacity  int // Workers the zones can hold
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("fleet: %d workers requested but zones hold at most %d", e.Requested, e.Capacity)
}

// Allocate spreads total workers across zones in order, placing at most
// perZone in each. Zones are filled front to back, so a small fleet lands
// entirely in the first zone. Requests beyond the combined capacity fail
// up front instead of quietly launching a smaller fleet.
func Allocate(total int, zones []string, perZone int) ([]Allocation, error) {
	if total <= 0 {
		return nil, ErrNoWorkers
	}
	if len(zones) == 0 {
		return nil, ErrNoZones
	}
	if perZone <= 0 {
		return nil, ErrZoneCapacity
	}
	if capacity := len(zones) * perZone; total > capacity {
		return nil, &CapacityError{Requested: total, Capacity: capacity}
	}

	allocs := make([]Allocation, 0, (total+perZone-1)/perZone)
	remaining := total
	for _, zone := range zones {
		if remaining == 0 {
			break
		}
		n := perZone
		if remaining < n {
			n = remaining
		}
		allocs = append(allocs, Allocation{Zone: zone, Workers: n})
		remaining -= n
	}
	return allocs, nil
}
