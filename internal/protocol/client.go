package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Common errors.
var (
	// ErrNoTask means the dispatcher has nothing pending right now. The
	// run may still be in flight; poll Status to find out.
	ErrNoTask = errors.New("protocol: no task available")
	// ErrNotAssigned means the dispatcher no longer considers the task
	// held by this worker, typically because it was reclaimed after
	// missed heartbeats.
	ErrNotAssigned = errors.New("protocol: task not assigned to this worker")
	// ErrBadRequest means the dispatcher rejected the request as
	// malformed. Retrying the same request will not help.
	ErrBadRequest = errors.New("protocol: dispatcher rejected request")
	// ErrServerError covers dispatcher-side 5xx responses.
	ErrServerError = errors.New("protocol: dispatcher error")
)

// Options configures the dispatcher client.
type Options struct {
	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for
	// transport failures and 5xx responses.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// Client talks to a dispatcher on behalf of one worker or status poller.
// Transport failures and 5xx responses are retried with exponential backoff;
// protocol-level rejections (204, 400, 409) are returned immediately as
// sentinel errors.
type Client struct {
	client *http.Client
	base   string
	opts   Options
}

// NewClient creates a client for the dispatcher at baseURL, for example
// "http://10.128.0.2:8080".
func NewClient(baseURL string, opts Options) *Client {
	return &Client{
		client: &http.Client{Timeout: opts.Timeout},
		base:   strings.TrimRight(baseURL, "/"),
		opts:   opts,
	}
}

// NextTask asks the dispatcher for work. The optional zone is recorded in
// the dispatcher's worker registry. It returns ErrNoTask when nothing is
// pending.
func (c *Client) NextTask(ctx context.Context, workerID, zone string) (*task.Task, error) {
	u := c.base + PathTask + "?worker=" + url.QueryEscape(workerID)
	if zone != "" {
		u += "&zone=" + url.QueryEscape(zone)
	}

	var t task.Task
	if err := c.do(ctx, http.MethodGet, u, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Report delivers a completion report. ErrNotAssigned means the dispatcher
// reclaimed the task in the meantime; the worker should drop the task and
// move on.
func (c *Client) Report(ctx context.Context, r CompleteRequest) error {
	return c.do(ctx, http.MethodPost, c.base+PathComplete, r, nil)
}

// Heartbeat tells the dispatcher this worker is alive. It is sent once,
// without retries: heartbeats are periodic and the next one is the retry.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	body, err := json.Marshal(HeartbeatRequest{Worker: workerID})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathHeartbeat, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return checkStatusCode(resp.StatusCode)
}

// Status fetches the dispatcher's aggregate counts.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var s StatusResponse
	if err := c.do(ctx, http.MethodGet, c.base+PathStatus, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Workers fetches the dispatcher's worker registry snapshot.
func (c *Client) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var w []WorkerInfo
	if err := c.do(ctx, http.MethodGet, c.base+PathWorkers, nil, &w); err != nil {
		return nil, err
	}
	return w, nil
}

// Tasks fetches the full task table in submission order.
func (c *Client) Tasks(ctx context.Context) ([]task.Task, error) {
	var ts []task.Task
	if err := c.do(ctx, http.MethodGet, c.base+PathTasks, nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// do performs a request with retries, optionally encoding a JSON body and
// decoding a JSON response into out.
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return err
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode maps dispatcher status codes to sentinel errors.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300 && code != http.StatusNoContent:
		return nil
	case code == http.StatusNoContent:
		return ErrNoTask
	case code == http.StatusConflict:
		return ErrNotAssigned
	case code == http.StatusBadRequest:
		return ErrBadRequest
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
