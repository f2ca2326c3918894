package dispatch

import (
	"testing"
	"time"
)

func TestTouchCreatesRecord(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	r.Touch("wrk-1", "us-central1-a", now)

	workers := r.Workers()
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	w := workers[0]
	if w.ID != "wrk-1" || w.Zone != "us-central1-a" || w.Dead {
		t.Errorf("unexpected worker %+v", w)
	}
	if !w.LastSeen.Equal(now) {
		t.Errorf("expected last seen %v, got %v", now, w.LastSeen)
	}
}

func TestTouchKeepsZoneWhenOmitted(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	r.Touch("wrk-1", "europe-west1-b", now)
	r.Touch("wrk-1", "", now.Add(time.Second))

	w := r.Workers()[0]
	if w.Zone != "europe-west1-b" {
		t.Errorf("expected zone preserved, got %q", w.Zone)
	}
	if !w.LastSeen.Equal(now.Add(time.Second)) {
		t.Errorf("expected last seen advanced, got %v", w.LastSeen)
	}
}

func TestDetectDead(t *testing.T) {
	r := NewRegistry()
	start := time.Now()
	timeout := time.Minute

	r.Touch("wrk-1", "", start)
	r.SetTask("wrk-1", "t-000001")
	r.Touch("wrk-2", "", start.Add(55*time.Second))

	reaped := r.DetectDead(start.Add(90*time.Second), timeout)
	if len(reaped) != 1 {
		t.Fatalf("expected 1 reaped worker, got %d", len(reaped))
	}
	if reaped[0].Worker != "wrk-1" || reaped[0].Task != "t-000001" {
		t.Errorf("unexpected reap %+v", reaped[0])
	}

	workers := r.Workers()
	if !workers[0].Dead {
		t.Error("expected wrk-1 marked dead")
	}
	if workers[0].Task != "" {
		t.Errorf("expected held task cleared, got %q", workers[0].Task)
	}
	if workers[1].Dead {
		t.Error("wrk-2 heartbeated within the window, must stay alive")
	}
}

func TestDetectDeadReapsOnce(t *testing.T) {
	r := NewRegistry()
	start := time.Now()

	r.Touch("wrk-1", "", start)
	if got := len(r.DetectDead(start.Add(2*time.Minute), time.Minute)); got != 1 {
		t.Fatalf("expected 1 reaped, got %d", got)
	}
	if got := len(r.DetectDead(start.Add(3*time.Minute), time.Minute)); got != 0 {
		t.Errorf("dead worker must not be reaped twice, got %d", got)
	}
}

func TestTouchRevivesDeadWorker(t *testing.T) {
	r := NewRegistry()
	start := time.Now()

	r.Touch("wrk-1", "", start)
	r.DetectDead(start.Add(2*time.Minute), time.Minute)
	r.Touch("wrk-1", "", start.Add(3*time.Minute))

	w := r.Workers()[0]
	if w.Dead {
		t.Error("expected touched worker to come back alive")
	}

	// Revival re-arms the liveness check.
	reaped := r.DetectDead(start.Add(10*time.Minute), time.Minute)
	if len(reaped) != 1 || reaped[0].Worker != "wrk-1" {
		t.Errorf("expected revived worker reaped again, got %+v", reaped)
	}
}

func TestSetClearTask(t *testing.T) {
	r := NewRegistry()
	r.Touch("wrk-1", "", time.Now())

	r.SetTask("wrk-1", "t-000003")
	if got := r.Workers()[0].Task; got != "t-000003" {
		t.Errorf("expected held task t-000003, got %q", got)
	}

	r.ClearTask("wrk-1")
	if got := r.Workers()[0].Task; got != "" {
		t.Errorf("expected no held task, got %q", got)
	}
}

func TestWorkersSortedByID(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Touch("wrk-3", "", now)
	r.Touch("wrk-1", "", now)
	r.Touch("wrk-2", "", now)

	workers := r.Workers()
	if len(workers) != 3 {
		t.Fatalf("expected 3 workers, got %d", len(workers))
	}
	for i, want := range []string{"wrk-1", "wrk-2", "wrk-3"} {
		if workers[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, workers[i].ID)
		}
	}
}
