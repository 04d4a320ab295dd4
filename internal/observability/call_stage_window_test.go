package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCallStageWindowSnapshot(t *testing.T) {
	w := newCallStageWindow(8)
	w.Observe(StageSessionCreate, 50)
	w.Observe(StageSessionCreate, 70)
	w.Observe(StageSessionCreate, 90)
	w.Observe(StageRingToAnswer, 4000)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	// Sorted by stage name: ring_to_answer < session_create.
	s := snap.Stages[1]
	if s.Stage != StageSessionCreate {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageSessionCreate)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 90 {
		t.Fatalf("LastMS = %.2f, want 90", s.LastMS)
	}
	if s.P50MS != 70 {
		t.Fatalf("P50MS = %.2f, want 70", s.P50MS)
	}
	if s.P95MS <= 70 || s.P95MS > 90 {
		t.Fatalf("P95MS = %.2f, want (70,90]", s.P95MS)
	}
	if s.TargetP95MS != 150 || s.OverTarget {
		t.Fatalf("target = %.2f over = %v, want 150 and within budget", s.TargetP95MS, s.OverTarget)
	}
	if s.MaxMS != 90 {
		t.Fatalf("MaxMS = %.2f, want 90", s.MaxMS)
	}
}

func TestCallStageWindowFlagsSlowStore(t *testing.T) {
	w := newCallStageWindow(4)
	for _, ms := range []float64{40, 60, 400, 500} {
		w.Observe(StageSessionSave, ms)
	}
	w.Observe(StageRingToAnswer, 9000)

	for _, s := range w.Snapshot().Stages {
		switch s.Stage {
		case StageSessionSave:
			if !s.OverTarget || s.P95MS != 500 {
				t.Fatalf("session_save = %+v, want over target with p95 500", s)
			}
		case StageRingToAnswer:
			if s.OverTarget || s.TargetP95MS != 0 {
				t.Fatalf("ring_to_answer = %+v, want no budget", s)
			}
		}
	}
}

func TestCallStageWindowWrapsAround(t *testing.T) {
	w := newCallStageWindow(2)
	w.Observe(StageSessionSave, 10)
	w.Observe(StageSessionSave, 20)
	w.Observe(StageSessionSave, 30)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	if got := snap.Stages[0]; got.Samples != 2 || got.AvgMS != 25 || got.LastMS != 30 {
		t.Fatalf("stage = %+v, want 2 samples averaging 25 ending at 30", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.CallEvent("initiated")
	m.ObserveStage(StageRingToAnswer, time.Second)
	m.SetOnlineUsers(3)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil SnapshotStages() = %+v, want empty", snap)
	}
}

func TestMetricsObserveStageFeedsWindow(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test_observability")
	m.ObserveStage(StageRingToAnswer, 1500*time.Millisecond)

	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("SnapshotStages() = %+v, want one ring_to_answer sample of 1500ms", snap)
	}
}
