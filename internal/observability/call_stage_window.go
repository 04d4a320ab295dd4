package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names recorded by the call coordinator.
const (
	StageRingToAnswer  = "ring_to_answer"
	StageSessionCreate = "session_create"
	StageSessionSave   = "session_save"
)

// storeStageBudgetMS is the p95 a healthy call store stays under.
const storeStageBudgetMS = 150

type CallStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type CallStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []CallStageStats `json:"stages"`
}

// callStageWindow keeps the most recent samples of each stage, oldest first.
type callStageWindow struct {
	mu      sync.Mutex
	limit   int
	samples map[string][]float64
}

func newCallStageWindow(limit int) *callStageWindow {
	if limit <= 0 {
		limit = 256
	}
	return &callStageWindow{limit: limit, samples: make(map[string][]float64)}
}

func (w *callStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	values := append(w.samples[stage], ms)
	if len(values) > w.limit {
		values = append(values[:0], values[len(values)-w.limit:]...)
	}
	w.samples[stage] = values
}

func (w *callStageWindow) Snapshot() CallStageSnapshot {
	w.mu.Lock()
	copies := make(map[string][]float64, len(w.samples))
	for stage, values := range w.samples {
		copies[stage] = append([]float64(nil), values...)
	}
	w.mu.Unlock()

	stages := make([]CallStageStats, 0, len(copies))
	for stage, values := range copies {
		if len(values) > 0 {
			stages = append(stages, summarizeStage(stage, values))
		}
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })

	return CallStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.limit,
		Stages:      stages,
	}
}

// summarizeStage takes samples in arrival order.
func summarizeStage(stage string, values []float64) CallStageStats {
	last := values[len(values)-1]
	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	st := CallStageStats{
		Stage:   stage,
		Samples: len(values),
		LastMS:  round2(last),
		AvgMS:   round2(sum / float64(len(values))),
		P50MS:   nearestRank(values, 0.50),
		P95MS:   nearestRank(values, 0.95),
		P99MS:   nearestRank(values, 0.99),
		MaxMS:   values[len(values)-1],
	}
	switch stage {
	case StageSessionCreate, StageSessionSave:
		st.TargetP95MS = storeStageBudgetMS
		st.OverTarget = st.P95MS > storeStageBudgetMS
	}
	return st
}

func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
