package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Common errors.
var (
	// ErrExists reports that the task's artifacts are already in the
	// bucket, identified by their completion marker.
	ErrExists = errors.New("fetch: artifacts already present")
)

// Fetcher downloads one task's media and stores its artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, t task.Task) (*Result, error)
}

// Result describes where a completed fetch put its artifacts.
type Result struct {
	Location string // bucket prefix the artifacts were stored under
	Files    int
	Bytes    int64
}

// Kind classifies a fetch failure. The kind decides whether a task is worth
// another attempt: a missing or region-locked video stays missing, a flaky
// network does not.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindRegionBlocked Kind = "region_blocked"
	KindNetwork       Kind = "network"
	KindUnknown       Kind = "unknown"
)

// Permanent reports whether retrying the fetch cannot change the outcome.
func (k Kind) Permanent() bool {
	return k == KindNotFound || k == KindRegionBlocked
}

// Error is a classified fetch failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// markers maps known yt-dlp output fragments to failure kinds. Region checks
// run before not-found checks: "not available in your country" must not be
// swallowed by the broader "not available" family.
var markers = []struct {
	kind     Kind
	fragment []string
}{
	{KindRegionBlocked, []string{
		"not available in your country",
		"available in your country",
		"blocked it in your country",
		"geo restriction",
		"geo-restricted",
	}},
	{KindNotFound, []string{
		"video unavailable",
		"this video is not available",
		"has been removed",
		"private video",
		"account associated with this video has been terminated",
		"http error 404",
		"does not exist",
	}},
	{KindNetwork, []string{
		"timed out",
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure in name resolution",
		"getaddrinfo",
		"unable to download",
		"http error 5",
		"network is unreachable",
	}},
}

// Classify turns a yt-dlp failure into a kinded Error, matching known
// fragments of the error and its captured stderr. Context cancellation and
// deadline expiry count as network failures: the download may well work on a
// later attempt.
func Classify(err error, stderr string) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindNetwork, Err: err}
	}

	text := strings.ToLower(err.Error() + "\n" + stderr)
	for _, m := range markers {
		for _, f := range m.fragment {
			if strings.Contains(text, f) {
				return &Error{Kind: m.kind, Err: err}
			}
		}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
