package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryAttempts = 2
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond
	return opts
}

func TestNextTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathTask {
			t.Errorf("expected %s, got %s", PathTask, r.URL.Path)
		}
		if got := r.URL.Query().Get("worker"); got != "wrk-1" {
			t.Errorf("expected worker wrk-1, got %q", got)
		}
		if got := r.URL.Query().Get("zone"); got != "us-central1-a" {
			t.Errorf("expected zone us-central1-a, got %q", got)
		}
		json.NewEncoder(w).Encode(task.Task{
			ID:       "t-000001",
			Spec:     task.Spec{URL: "https://example.com/a", Output: "a"},
			State:    task.StateAssigned,
			Attempts: 1,
			Worker:   "wrk-1",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	got, err := client.NextTask(context.Background(), "wrk-1", "us-central1-a")
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if got.ID != "t-000001" || got.URL != "https://example.com/a" || got.Attempts != 1 {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestNextTaskNoTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	_, err := client.NextTask(context.Background(), "wrk-1", "")
	if !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
}

func TestNextTaskRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(task.Task{ID: "t-000001", Attempts: 1})
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	got, err := client.NextTask(context.Background(), "wrk-1", "")
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if got.ID != "t-000001" {
		t.Errorf("unexpected task %+v", got)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestNextTaskExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	_, err := client.NextTask(context.Background(), "wrk-1", "")
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("expected ErrServerError, got %v", err)
	}
}

func TestReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathComplete || r.Method != http.MethodPost {
			t.Errorf("expected POST %s, got %s %s", PathComplete, r.Method, r.URL.Path)
		}
		var req CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode report: %v", err)
		}
		if req.Worker != "wrk-1" || req.Task != "t-000001" || req.Outcome != task.OutcomeFailure {
			t.Errorf("unexpected report %+v", req)
		}
		if req.Error != "timeout" {
			t.Errorf("expected error detail, got %q", req.Error)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	err := client.Report(context.Background(), CompleteRequest{
		Worker:  "wrk-1",
		Task:    "t-000001",
		Outcome: task.OutcomeFailure,
		Error:   "timeout",
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
}

func TestReportConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	err := client.Report(context.Background(), CompleteRequest{Worker: "wrk-1", Task: "t-000001", Outcome: task.OutcomeSuccess})
	if !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
}

func TestReportBodyResentOnRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("call %d: decode report: %v", calls.Load()+1, err)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	err := client.Report(context.Background(), CompleteRequest{Worker: "wrk-1", Task: "t-000001", Outcome: task.OutcomeSuccess})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHeartbeatSingleShot(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	if err := client.Heartbeat(context.Background(), "wrk-1"); err == nil {
		t.Fatal("expected error from failing heartbeat")
	}
	if calls.Load() != 1 {
		t.Errorf("heartbeat must not retry, got %d calls", calls.Load())
	}
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathStatus {
			t.Errorf("expected %s, got %s", PathStatus, r.URL.Path)
		}
		json.NewEncoder(w).Encode(StatusResponse{
			Counts:   task.Counts{Total: 4, Succeeded: 2, Failed: 1, Skipped: 1},
			Complete: true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	s, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !s.Complete || s.Total != 4 || s.Succeeded != 2 {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestWorkers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathWorkers {
			t.Errorf("expected %s, got %s", PathWorkers, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]WorkerInfo{
			{ID: "wrk-1", Zone: "us-central1-a", Task: "t-000002"},
			{ID: "wrk-2", Dead: true},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	workers, err := client.Workers(context.Background())
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 2 || workers[0].Task != "t-000002" || !workers[1].Dead {
		t.Errorf("unexpected workers %+v", workers)
	}
}

func TestTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathTasks {
			t.Errorf("expected %s, got %s", PathTasks, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]task.Task{
			{ID: "t-000001", State: task.StateSucceeded, Attempts: 1},
			{ID: "t-000002", State: task.StateFailed, Attempts: 3, LastError: "timed out"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, fastOptions())
	tasks, err := client.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[1].LastError != "timed out" {
		t.Errorf("unexpected tasks %+v", tasks)
	}
}

func TestStatusCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := fastOptions()
	opts.RetryBackoff = time.Minute
	opts.RetryMaxBackoff = time.Minute
	client := NewClient(server.URL, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Status(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
